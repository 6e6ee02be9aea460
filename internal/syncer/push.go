package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
)

// pushPass holds the bookkeeping for one push phase.
type pushPass struct {
	o      *Orchestrator
	userID string
	out    *passResult

	// done and failed track conversations already attempted this pass.
	done    map[string]bool
	failed  map[string]bool
	limited bool
}

// errDeferred marks a record skipped by the push rate limit.
var errDeferred = errors.New("push deferred by rate limit")

// push sends unsynced conversations, then unsynced messages. Per-record
// failures are collected in the result and the batch continues. The
// return value reports a pass-fatal failure.
func (o *Orchestrator) push(ctx context.Context, userID string, out *passResult) bool {
	pp := &pushPass{
		o:      o,
		userID: userID,
		out:    out,
		done:   make(map[string]bool),
		failed: make(map[string]bool),
	}

	for _, rec := range o.cfg.Queue.UnsyncedOf(ctx, models.EntityConversation) {
		if pp.done[rec.ID()] {
			continue
		}

		if fatal := pp.handle(ctx, rec, pp.pushConversation(ctx, rec)); fatal {
			return true
		}
	}

	// Snapshot messages after conversations so foreign keys rewritten
	// above are already in place.
	for _, rec := range o.cfg.Queue.UnsyncedOf(ctx, models.EntityMessage) {
		if fatal := pp.handle(ctx, rec, pp.pushMessage(ctx, rec)); fatal {
			return true
		}
	}

	if out.res.Deferred > 0 {
		out.res.Note = fmt.Sprintf("%d records deferred by push rate limit", out.res.Deferred)
	}

	return false
}

// handle records the outcome of one push and reports whether it is fatal
// for the pass.
func (pp *pushPass) handle(ctx context.Context, rec models.QueueRecord, err error) bool {
	res := &pp.out.res

	switch {
	case err == nil:
		return false
	case errors.Is(err, errDeferred):
		res.Deferred++
		return false
	case ctx.Err() != nil:
		return true
	case errors.Is(err, syncerr.ErrNotAuthenticated):
		pp.o.invalidateSession()
		res.Errors = append(res.Errors, fmt.Sprintf("push %s %s: %v", rec.EntityType, rec.ID(), err))

		return true
	}

	pp.o.logger.Warn("push failed",
		slog.String("entity_type", string(rec.EntityType)),
		slog.String("id", rec.ID()),
		slog.String("error", err.Error()),
	)

	res.Errors = append(res.Errors, fmt.Sprintf("push %s %s: %v", rec.EntityType, rec.ID(), err))

	return false
}

func (pp *pushPass) pushConversation(ctx context.Context, rec models.QueueRecord) error {
	localID := rec.ID()
	pp.done[localID] = true

	serverID, err := pp.pushRecord(ctx, rec)
	if err != nil {
		if !errors.Is(err, errDeferred) {
			pp.failed[localID] = true
		}

		return err
	}

	if serverID != localID {
		pp.done[serverID] = true
	}

	return nil
}

// pushMessage makes sure the referenced conversation is on the server
// before the message is sent. A conversation id replaced by a server id in
// this or an earlier pass is rewritten first.
func (pp *pushPass) pushMessage(ctx context.Context, rec models.QueueRecord) error {
	if pp.limited {
		return errDeferred
	}

	q := pp.o.cfg.Queue
	convID := q.CanonicalID(ctx, models.EntityConversation, rec.Message.ConversationID)
	rec.Message.ConversationID = convID

	if pp.failed[convID] {
		return fmt.Errorf("conversation %s not synced", convID)
	}

	if conv, ok := q.Get(ctx, models.EntityConversation, convID); ok && !conv.Synced && !pp.done[convID] {
		if err := pp.pushConversation(ctx, conv); err != nil {
			if errors.Is(err, errDeferred) {
				return err
			}

			return fmt.Errorf("conversation %s not synced: %w", convID, err)
		}

		rec.Message.ConversationID = q.CanonicalID(ctx, models.EntityConversation, convID)
	}

	_, err := pp.pushRecord(ctx, rec)

	return err
}

// pushRecord writes one record and settles it in the queue. It returns
// the id the record ended up with on the server.
func (pp *pushPass) pushRecord(ctx context.Context, rec models.QueueRecord) (string, error) {
	o := pp.o

	if pp.limited || (o.cfg.Limiter != nil && !o.cfg.Limiter.TryAdmit("push:"+o.cfg.DeviceID, o.cfg.PushRateMax, o.cfg.PushRateWindow)) {
		pp.limited = true
		return "", errDeferred
	}

	t := rec.EntityType
	collection := t.Collection()
	localID := rec.ID()

	rec.SetUserID(pp.userID)

	payload, err := rec.Payload()
	if err != nil {
		return "", err
	}

	server, err := o.fetch(ctx, collection, localID)
	if err != nil {
		return "", fmt.Errorf("reading server copy: %w", err)
	}

	var (
		sent  json.RawMessage
		final json.RawMessage
	)

	switch {
	case server == nil:
		sent = payload

		final, err = o.call(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return o.cfg.Store.Insert(ctx, collection, payload)
		})
		if err != nil {
			return "", fmt.Errorf("inserting: %w", err)
		}
	case conflict.Equivalent(payload, server):
		sent = server
		final = server
	default:
		patch := payload

		if c := o.cfg.Detector.Detect(t, payload, server); c != nil {
			pp.out.res.Conflicts++

			if err := o.cfg.Resolver.Resolve(c); err != nil {
				pp.out.res.Unresolved++
				pp.out.unresolved = append(pp.out.unresolved, c)

				return "", err
			}

			o.logger.Info("conflict resolved",
				slog.String("conflict", c.ID),
				slog.String("strategy", string(c.Strategy)),
			)

			patch = c.Resolution
		}

		sent = patch

		if conflict.Equivalent(patch, server) {
			final = server
			break
		}

		final, err = o.call(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return o.cfg.Store.Update(ctx, collection, localID, patch)
		})
		if err != nil {
			return "", fmt.Errorf("updating: %w", err)
		}
	}

	finalRec, err := models.RecordFromPayload(t, final)
	if err != nil || finalRec.ID() == "" {
		// Servers that answer without a representation: keep what was sent.
		finalRec, err = models.RecordFromPayload(t, sent)
		if err != nil {
			return "", err
		}
	}

	serverID := finalRec.ID()
	if serverID == "" {
		serverID = localID
		finalRec.SetID(localID)
	}

	if serverID != localID {
		if err := o.adoptServerID(ctx, t, localID, serverID); err != nil {
			return "", err
		}

		rec.SetID(serverID)
	}

	settled, err := o.cfg.Queue.Settle(ctx, rec, finalRec)
	if err != nil {
		o.logger.Warn("queue write failed after push",
			slog.String("id", serverID),
			slog.String("error", err.Error()),
		)
	}

	if !settled {
		o.logger.Debug("record edited during push, left pending",
			slog.String("entity_type", string(t)),
			slog.String("id", serverID),
		)
	}

	pp.out.res.Pushed++

	return serverID, nil
}

// adoptServerID renames a queued record to its server id and repoints
// messages that referenced the old conversation id.
func (o *Orchestrator) adoptServerID(ctx context.Context, t models.EntityType, localID, serverID string) error {
	if err := o.cfg.Queue.ReplaceID(ctx, t, localID, serverID); err != nil {
		return fmt.Errorf("adopting server id: %w", err)
	}

	if t != models.EntityConversation {
		return nil
	}

	n, err := o.cfg.Queue.RewriteConversationRef(ctx, localID, serverID)
	if err != nil {
		o.logger.Warn("rewriting message references",
			slog.String("conversation", serverID),
			slog.String("error", err.Error()),
		)
	}

	if n > 0 {
		o.logger.Debug("rewrote message references",
			slog.String("from", localID),
			slog.String("to", serverID),
			slog.Int("messages", n),
		)
	}

	return nil
}

// fetch returns the server copy, or nil when the row does not exist.
func (o *Orchestrator) fetch(ctx context.Context, collection, id string) (json.RawMessage, error) {
	row, err := o.call(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return o.cfg.Store.Get(ctx, collection, id)
	})
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}

	return row, err
}

// call runs one remote call under the per-call deadline.
func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	return fn(callCtx)
}
