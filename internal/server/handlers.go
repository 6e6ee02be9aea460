package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/syncer"
)

const maxResolveBody = 1 << 20

type handlers struct {
	sync   SyncService
	logger *slog.Logger
}

// conflictView adds a rendered diff for resolution screens.
type conflictView struct {
	conflict.Conflict
	Diff string `json:"diff"`
}

type resolveRequest struct {
	Choice conflict.Choice `json:"choice"`
	Custom json.RawMessage `json:"custom,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status(r.Context()))
}

// syncNow runs a pass and returns its result. Deferrals, including a pass
// already in flight, are successful results and answer 200.
func (h *handlers) syncNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Sync(r.Context(), syncer.TriggerManual))
}

func (h *handlers) conflicts(w http.ResponseWriter, _ *http.Request) {
	list := h.sync.Conflicts()

	out := make([]conflictView, 0, len(list))
	for _, c := range list {
		out = append(out, conflictView{Conflict: c, Diff: c.Diff()})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResolveBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Choice {
	case conflict.ChoiceLocal, conflict.ChoiceServer:
	case conflict.ChoiceCustom:
		if len(req.Custom) == 0 || !json.Valid(req.Custom) {
			writeError(w, http.StatusBadRequest, "custom choice requires a JSON payload")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "choice must be local, server or custom")
		return
	}

	c, err := h.sync.ResolveConflict(r.Context(), id, req.Choice, req.Custom)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, c)
	case errors.Is(err, syncerr.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncerr.ErrAlreadySyncing):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Warn("manual resolution failed",
			slog.String("conflict", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
