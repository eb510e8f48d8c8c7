package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/btrman/btrman/pkg/snapper"
)

type SnapshotHandler struct {
	logger  *slog.Logger
	snapper *snapper.Manager
}

func NewSnapshotHandler(logger *slog.Logger, snapper *snapper.Manager) *SnapshotHandler {
	return &SnapshotHandler{
		logger:  logger.With("handler", "snapshot"),
		snapper: snapper,
	}
}

func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	cfg := r.URL.Query().Get("config")

	var (
		snapshots []*snapper.Snapshot
		err       error
	)
	if cfg == "" {
		snapshots, err = h.snapper.ListAll(r.Context())
	} else {
		snapshots, err = h.snapper.List(r.Context(), cfg)
	}
	if err != nil {
		h.logger.Error("snapshot list failed", "config", cfg, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}

func (h *SnapshotHandler) Configs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.snapper.ListConfigs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})
}

type createSnapshotRequest struct {
	Config      string `json:"config"`
	Description string `json:"description,omitempty"`
}

func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Config == "" {
		writeError(w, http.StatusBadRequest, errors.New("config is required"))
		return
	}
	id, err := h.snapper.Create(r.Context(), req.Config, req.Description)
	if err != nil {
		h.logger.Error("snapshot create failed", "config", req.Config, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": req.Config, "id": id})
}

func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cfg := r.PathValue("config")
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("snapshot id must be numeric"))
		return
	}
	if err := h.snapper.Delete(r.Context(), cfg, id); err != nil {
		h.logger.Error("snapshot delete failed", "config", cfg, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg, "id": id, "status": "deleted"})
}
