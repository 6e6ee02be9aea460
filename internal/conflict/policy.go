package conflict

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// FeedbackFields are the message fields computed locally after audio
// analysis. They are additive and safe to overlay onto the server copy.
var FeedbackFields = []string{"prosody_feedback", "vocab_suggestions", "guidance"}

// Rule is the resolution policy for one entity type. When Fallback is set,
// Strategy applies only if the payloads differ in MergeFields alone;
// otherwise Fallback is used.
type Rule struct {
	Strategy    Strategy `yaml:"strategy"`
	MergeFields []string `yaml:"merge_fields"`
	Fallback    Strategy `yaml:"fallback"`
}

// Policy maps entity type names to rules. Types without a rule resolve
// server-wins.
type Policy map[string]Rule

// DefaultPolicy returns the built-in selection rules.
func DefaultPolicy() Policy {
	return Policy{
		string(models.EntityConversation): {Strategy: LatestTimestampWins},
		string(models.EntityMessage): {
			Strategy:    FieldMerge,
			MergeFields: slices.Clone(FeedbackFields),
			Fallback:    ServerWins,
		},
		"profile": {
			Strategy:    FieldMerge,
			MergeFields: []string{"level", "native_language", "target_language", "preferences"},
		},
	}
}

// Select picks the strategy and rule for a conflict.
func (p Policy) Select(c *Conflict) (Strategy, Rule) {
	rule, ok := p[string(c.Type)]
	if !ok || rule.Strategy == "" {
		return ServerWins, Rule{Strategy: ServerWins}
	}

	if rule.Fallback != "" && !OnlyFieldsDiffer(c.LocalData, c.ServerData, rule.MergeFields) {
		return rule.Fallback, rule
	}

	return rule.Strategy, rule
}

type policyFile struct {
	Entities map[string]Rule `yaml:"entities"`
}

// LoadPolicy reads per-entity overrides from a YAML file on top of
// DefaultPolicy:
//
//	entities:
//	  message:
//	    strategy: field-merge
//	    merge_fields: [prosody_feedback, vocab_suggestions]
//	    fallback: server-wins
//
// Unknown strategy names are rejected.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	known := builtinStrategies()
	p := DefaultPolicy()

	for _, name := range slices.Sorted(maps.Keys(f.Entities)) {
		rule := f.Entities[name]

		if _, ok := known[rule.Strategy]; !ok {
			return nil, fmt.Errorf("policy for %q: unknown strategy %q", name, rule.Strategy)
		}

		if _, ok := known[rule.Fallback]; rule.Fallback != "" && !ok {
			return nil, fmt.Errorf("policy for %q: unknown fallback %q", name, rule.Fallback)
		}

		p[name] = rule
	}

	return p, nil
}
