package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// Conflicts returns copies of the conflicts the last pass could not
// resolve automatically.
func (o *Orchestrator) Conflicts() []conflict.Conflict {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]conflict.Conflict, 0, len(o.conflicts))
	for _, c := range o.conflicts {
		out = append(out, *c)
	}

	return out
}

// ResolveConflict applies a manual decision to a conflict from the last
// pass, writes the result to the remote store, and settles the queued
// record. It fails with ErrAlreadySyncing while a pass is running.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, choice conflict.Choice, custom json.RawMessage) (*conflict.Conflict, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, syncerr.ErrAlreadySyncing
	}
	defer o.running.Store(false)

	o.mu.Lock()
	i := slices.IndexFunc(o.conflicts, func(c *conflict.Conflict) bool { return c.ID == id })

	var c conflict.Conflict
	if i >= 0 {
		c = *o.conflicts[i]
	}
	o.mu.Unlock()

	if i < 0 {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrConflictNotFound, id)
	}

	if err := o.cfg.Resolver.ResolveManual(&c, choice, custom); err != nil {
		return nil, err
	}

	callCtx, cancel := o.callContext(ctx)
	row, err := o.cfg.Store.Update(callCtx, c.Type.Collection(), c.EntityID, c.Resolution)
	cancel()

	if err != nil {
		return nil, fmt.Errorf("writing resolution: %w", err)
	}

	final, err := models.RecordFromPayload(c.Type, row)
	if err != nil || final.ID() == "" {
		final, err = models.RecordFromPayload(c.Type, c.Resolution)
		if err != nil {
			return nil, err
		}

		final.SetID(c.EntityID)
	}

	if rec, ok := o.cfg.Queue.Get(ctx, c.Type, c.EntityID); ok {
		if _, err := o.cfg.Queue.Settle(ctx, rec, final); err != nil {
			o.logger.Warn("queue write failed after manual resolution",
				slog.String("conflict", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.mu.Lock()
	o.conflicts = slices.DeleteFunc(o.conflicts, func(x *conflict.Conflict) bool { return x.ID == id })
	o.mu.Unlock()

	o.logger.Info("conflict resolved manually",
		slog.String("conflict", c.ID),
		slog.String("choice", string(choice)),
	)

	return &c, nil
}
