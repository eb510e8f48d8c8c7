package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/btrman/btrman/pkg/btrfs"
	"github.com/btrman/btrman/pkg/db"
)

type MutationHandler struct {
	logger  *slog.Logger
	manager *btrfs.Manager
	db      *db.DB
}

func NewMutationHandler(logger *slog.Logger, manager *btrfs.Manager, database *db.DB) *MutationHandler {
	return &MutationHandler{
		logger:  logger.With("handler", "mutation"),
		manager: manager,
		db:      database,
	}
}

// Mutate runs one reconcile pass and blocks until a terminal outcome.
// The result body is always the full MutationResult, whatever the
// outcome; the HTTP status distinguishes the terminal states.
func (h *MutationHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	var req btrfs.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.manager.Reconcile(r.Context(), &req)
	if res == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case btrfs.OutcomeRejected:
		status = http.StatusUnprocessableEntity
	case btrfs.OutcomeBusy:
		status = http.StatusConflict
	case btrfs.OutcomeProbeError:
		status = http.StatusBadGateway
	case btrfs.OutcomeFailed, btrfs.OutcomeTimeout, btrfs.OutcomeAbandoned:
		status = http.StatusInternalServerError
	}

	h.logger.Info("mutation finished",
		"id", res.ID,
		"op", req.Op,
		"filesystem", req.FilesystemID,
		"outcome", res.Outcome)

	writeJSON(w, status, res)
}

func (h *MutationHandler) History(w http.ResponseWriter, r *http.Request) {
	fsUUID := r.URL.Query().Get("filesystem")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	records, err := h.db.History(fsUUID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": records})
}
