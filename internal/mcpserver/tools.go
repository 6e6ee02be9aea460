// Package mcpserver registers MCP tools that expose sync status and
// control. It adapts the orchestrator and queue to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/syncer"
)

const defaultPendingLimit = 50

// Syncer is the orchestrator surface the tools drive.
type Syncer interface {
	Sync(ctx context.Context, trigger syncer.Trigger) syncer.Result
	Status(ctx context.Context) syncer.Status
	Conflicts() []conflict.Conflict
	ResolveConflict(ctx context.Context, id string, choice conflict.Choice, custom json.RawMessage) (*conflict.Conflict, error)
}

// Pending lists records that have not reached the server.
type Pending interface {
	UnsyncedOf(ctx context.Context, types ...models.EntityType) []models.QueueRecord
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Syncer, q Pending) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync phase, pending record count, unresolved conflict count, last successful sync time and the last pass result.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync pass now and return its result. Returns status 'skipped' when a pass is already running, 'deferred' when offline or signed out.",
	}, syncNowHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_pending",
		Description: "List locally captured records not yet pushed to the server, oldest first.",
	}, pendingHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_conflicts",
		Description: "List conflicts the last pass could not resolve automatically, with both copies and a line diff (server '-', local '+').",
	}, conflictsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resolve_conflict",
		Description: "Resolve a conflict from sync_conflicts by keeping the local copy, the server copy, or a custom JSON payload. Fails while a pass is running.",
	}, resolveHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// PendingInput holds parameters for sync_pending.
type PendingInput struct {
	Type  string `json:"type,omitempty" jsonschema:"conversation or message, defaults to both"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum records to list, defaults to 50"`
}

// ConflictsInput has no parameters.
type ConflictsInput struct{}

// ResolveInput holds parameters for sync_resolve_conflict.
type ResolveInput struct {
	ID     string `json:"id" jsonschema:"required,conflict id from sync_conflicts"`
	Choice string `json:"choice" jsonschema:"required,local, server or custom"`
	Custom string `json:"custom,omitempty" jsonschema:"JSON object to store, required when choice is custom"`
}

// --- Output types ---
// Timestamps are RFC 3339 strings and payloads are JSON text.

// PassSummary describes one sync pass.
type PassSummary struct {
	Success    bool     `json:"success"`
	Status     string   `json:"status"`
	Trigger    string   `json:"trigger"`
	Phase      string   `json:"phase"`
	Note       string   `json:"note,omitempty"`
	Pushed     int      `json:"pushed"`
	Pulled     int      `json:"pulled"`
	Purged     int      `json:"purged"`
	Deferred   int      `json:"deferred"`
	Conflicts  int      `json:"conflicts"`
	Unresolved int      `json:"unresolved"`
	Errors     []string `json:"errors,omitempty"`
	StartedAt  string   `json:"started_at,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// StatusResult is the output of sync_status.
type StatusResult struct {
	Phase      string       `json:"phase"`
	Syncing    bool         `json:"syncing"`
	Pending    int          `json:"pending"`
	Conflicts  int          `json:"conflicts"`
	LastSync   string       `json:"last_sync,omitempty"`
	LastResult *PassSummary `json:"last_result,omitempty"`
}

// PendingRecord is one unsynced record.
type PendingRecord struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// PendingResult is the output of sync_pending.
type PendingResult struct {
	Total   int             `json:"total"`
	Records []PendingRecord `json:"records"`
}

// ConflictEntry is one conflict awaiting a decision.
type ConflictEntry struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	DetectedAt string `json:"detected_at"`
	Local      string `json:"local"`
	Server     string `json:"server"`
	Diff       string `json:"diff,omitempty"`
	Resolved   bool   `json:"resolved"`
	Resolution string `json:"resolution,omitempty"`
}

// ConflictsResult is the output of sync_conflicts.
type ConflictsResult struct {
	Conflicts []ConflictEntry `json:"conflicts"`
}

// --- Handlers ---

func statusHandler(s Syncer) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := s.Status(ctx)
		result := &StatusResult{
			Phase:     string(st.Phase),
			Syncing:   st.Syncing,
			Pending:   st.Pending,
			Conflicts: st.Conflicts,
			LastSync:  formatTime(st.LastSync),
		}

		if st.LastResult != nil {
			sum := summarize(*st.LastResult)
			result.LastResult = &sum
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(s Syncer) mcp.ToolHandlerFor[SyncNowInput, *PassSummary] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *PassSummary, error) {
		result := summarize(s.Sync(ctx, syncer.TriggerManual))
		return textResult(result), &result, nil
	}
}

func pendingHandler(q Pending) mcp.ToolHandlerFor[PendingInput, *PendingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PendingInput) (*mcp.CallToolResult, *PendingResult, error) {
		types := models.EntityTypes
		if input.Type != "" {
			t := models.EntityType(input.Type)
			if !t.Valid() {
				return nil, nil, fmt.Errorf("unknown record type %q", input.Type)
			}

			types = []models.EntityType{t}
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultPendingLimit
		}

		recs := q.UnsyncedOf(ctx, types...)
		result := &PendingResult{Total: len(recs), Records: []PendingRecord{}}

		for _, r := range recs {
			if len(result.Records) == limit {
				break
			}

			p := PendingRecord{Type: string(r.EntityType), ID: r.ID(), UpdatedAt: r.UpdatedAt()}
			if r.Message != nil {
				p.ConversationID = r.Message.ConversationID
			}

			result.Records = append(result.Records, p)
		}

		return textResult(result), result, nil
	}
}

func conflictsHandler(s Syncer) mcp.ToolHandlerFor[ConflictsInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ConflictsInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		result := &ConflictsResult{Conflicts: []ConflictEntry{}}
		for _, c := range s.Conflicts() {
			e := entry(&c)
			e.Diff = c.Diff()
			result.Conflicts = append(result.Conflicts, e)
		}

		return textResult(result), result, nil
	}
}

func resolveHandler(s Syncer) mcp.ToolHandlerFor[ResolveInput, *ConflictEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, *ConflictEntry, error) {
		choice := conflict.Choice(input.Choice)

		var custom json.RawMessage
		if choice == conflict.ChoiceCustom {
			if !json.Valid([]byte(input.Custom)) {
				return nil, nil, fmt.Errorf("custom must be valid JSON")
			}

			custom = json.RawMessage(input.Custom)
		}

		c, err := s.ResolveConflict(ctx, input.ID, choice, custom)
		if err != nil {
			return nil, nil, err
		}

		result := entry(c)

		return textResult(result), &result, nil
	}
}

func entry(c *conflict.Conflict) ConflictEntry {
	return ConflictEntry{
		ID:         c.ID,
		Type:       string(c.Type),
		EntityID:   c.EntityID,
		DetectedAt: formatTime(c.DetectedAt),
		Local:      string(c.LocalData),
		Server:     string(c.ServerData),
		Resolved:   c.Resolved,
		Resolution: string(c.Resolution),
	}
}

func summarize(r syncer.Result) PassSummary {
	return PassSummary{
		Success:    r.Success,
		Status:     string(r.Status),
		Trigger:    string(r.Trigger),
		Phase:      string(r.Phase),
		Note:       r.Note,
		Pushed:     r.Pushed,
		Pulled:     r.Pulled,
		Purged:     r.Purged,
		Deferred:   r.Deferred,
		Conflicts:  r.Conflicts,
		Unresolved: r.Unresolved,
		Errors:     r.Errors,
		StartedAt:  formatTime(r.StartedAt),
		DurationMS: r.Duration.Milliseconds(),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
