package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// pull merges server rows changed since the watermark into the queue.
// Rows whose local copy is still unsynced are skipped. The return value
// reports whether any collection query failed.
func (o *Orchestrator) pull(ctx context.Context, userID string, res *Result) bool {
	since, err := o.cfg.Queue.LastSync(ctx)
	if err != nil {
		o.logger.Warn("unreadable watermark, pulling everything", slog.String("error", err.Error()))
		since = time.Time{}
	}

	fatal := false

	for _, t := range models.EntityTypes {
		callCtx, cancel := o.callContext(ctx)
		rows, err := o.cfg.Store.QueryUpdatedAfter(callCtx, t.Collection(), userID, since)
		cancel()

		if err != nil {
			fatal = true
			res.Errors = append(res.Errors, fmt.Sprintf("pull %s: %v", t.Collection(), err))

			if ctx.Err() != nil {
				return true
			}

			continue
		}

		skipped := 0

		for _, row := range rows {
			rec, err := models.RecordFromPayload(t, row)
			if err == nil && rec.ID() == "" {
				err = fmt.Errorf("row without id")
			}

			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("pull %s row: %v", t.Collection(), err))
				continue
			}

			applied, err := o.cfg.Queue.ApplyRemote(ctx, rec)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("pull %s %s: %v", t, rec.ID(), err))
			}

			if applied {
				res.Pulled++
			} else if err == nil {
				skipped++
			}
		}

		if skipped > 0 {
			o.logger.Debug("kept unsynced local copies over server rows",
				slog.String("collection", t.Collection()),
				slog.Int("count", skipped),
			)
		}
	}

	return fatal
}
