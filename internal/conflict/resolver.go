package conflict

import (
	"encoding/json"
	"fmt"
	"log/slog"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
)

// Choice is a manual resolution decision.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceServer Choice = "server"
	ChoiceCustom Choice = "custom"
)

// Resolver applies the policy's strategy to conflicts.
type Resolver struct {
	policy     Policy
	strategies map[Strategy]ResolveFunc
	logger     *slog.Logger
}

// NewResolver returns a resolver with the built-in strategies registered.
func NewResolver(policy Policy, logger *slog.Logger) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}

	return &Resolver{
		policy:     policy,
		strategies: builtinStrategies(),
		logger:     logger,
	}
}

// Register adds or replaces a named strategy.
func (r *Resolver) Register(name Strategy, fn ResolveFunc) {
	r.strategies[name] = fn
}

// Resolve runs the selected strategy and marks c resolved. On failure c is
// left unresolved.
func (r *Resolver) Resolve(c *Conflict) error {
	name, rule := r.policy.Select(c)

	resolution, err := r.run(name, c, rule)
	if err != nil {
		return fmt.Errorf("resolving %s with %s: %w", c.ID, name, err)
	}

	c.Resolution = resolution
	c.Strategy = name
	c.Resolved = true

	return nil
}

func (r *Resolver) run(name Strategy, c *Conflict, rule Rule) (out json.RawMessage, err error) {
	fn, ok := r.strategies[name]
	if !ok {
		return nil, syncerr.ErrUnknownStrategy
	}

	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("strategy panicked: %v", p)
		}
	}()

	return fn(c.LocalData, c.ServerData, rule)
}

// ResolveAll resolves each conflict independently. A failing conflict is
// left unresolved and its error collected; the rest still run.
func (r *Resolver) ResolveAll(conflicts []*Conflict) []error {
	var errs []error

	for _, c := range conflicts {
		if c.Resolved {
			continue
		}

		if err := r.Resolve(c); err != nil {
			r.logger.Warn("conflict left unresolved",
				slog.String("conflict", c.ID),
				slog.String("error", err.Error()),
			)

			errs = append(errs, err)
		}
	}

	return errs
}

// ResolveManual applies a user decision. custom is required for
// ChoiceCustom and ignored otherwise.
func (r *Resolver) ResolveManual(c *Conflict, choice Choice, custom json.RawMessage) error {
	var resolution json.RawMessage

	switch choice {
	case ChoiceLocal:
		resolution = c.LocalData
	case ChoiceServer:
		resolution = c.ServerData
	case ChoiceCustom:
		if !json.Valid(custom) || isAbsent(custom) {
			return fmt.Errorf("custom resolution must be a JSON payload")
		}

		resolution = custom
	default:
		return fmt.Errorf("unknown choice %q", choice)
	}

	c.Resolution = append(json.RawMessage(nil), resolution...)
	c.Strategy = Manual
	c.Resolved = true

	return nil
}
