// Package conflict detects divergence between a local record and the
// server's copy of the same entity and resolves it with a named strategy.
// Conflicts live for one sync pass and are never persisted.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// Strategy names a resolution function.
type Strategy string

const (
	ServerWins          Strategy = "server-wins"
	ClientWins          Strategy = "client-wins"
	LatestTimestampWins Strategy = "latest-timestamp-wins"
	FieldMerge          Strategy = "field-merge"

	// Manual marks a conflict resolved through ResolveManual.
	Manual Strategy = "manual"
)

// Conflict is the comparison result for one entity.
type Conflict struct {
	ID         string            `json:"id"`
	Type       models.EntityType `json:"type"`
	EntityID   string            `json:"entity_id"`
	LocalData  json.RawMessage   `json:"local_data"`
	ServerData json.RawMessage   `json:"server_data"`
	DetectedAt time.Time         `json:"detected_at"`
	Resolved   bool              `json:"resolved"`
	Resolution json.RawMessage   `json:"resolution,omitempty"`
	Strategy   Strategy          `json:"strategy,omitempty"`
}

// conflictID builds "<type>:<entityId>:<detectedAtMs>".
func conflictID(t models.EntityType, entityID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t, entityID, at.UnixMilli())
}

// Diff renders a line diff between the server copy ("-") and the local
// copy ("+") for manual resolution screens.
func (c *Conflict) Diff() string {
	server := prettyJSON(c.ServerData)
	local := prettyJSON(c.LocalData)

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(server, local)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(line)

			if !strings.HasSuffix(line, "\n") {
				sb.WriteByte('\n')
			}
		}
	}

	return sb.String()
}

func prettyJSON(raw json.RawMessage) string {
	canon, err := canonical(raw, nil)
	if err != nil {
		return string(raw)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, canon, "", "  "); err != nil {
		return string(raw)
	}

	buf.WriteByte('\n')

	return buf.String()
}
