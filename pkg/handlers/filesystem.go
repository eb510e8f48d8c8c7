package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/btrman/btrman/pkg/btrfs"
)

type FilesystemHandler struct {
	logger  *slog.Logger
	manager *btrfs.Manager
}

func NewFilesystemHandler(logger *slog.Logger, manager *btrfs.Manager) *FilesystemHandler {
	return &FilesystemHandler{
		logger:  logger.With("handler", "filesystem"),
		manager: manager,
	}
}

func (h *FilesystemHandler) List(w http.ResponseWriter, r *http.Request) {
	filesystems, err := h.manager.Filesystems(r.Context())
	if err != nil {
		h.logger.Error("filesystem list failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"filesystems": filesystems})
}

func (h *FilesystemHandler) Show(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	topo, err := h.manager.Probe(r.Context(), uuid)
	if err != nil {
		var perr *btrfs.ProbeError
		if errors.As(err, &perr) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

type mountRequest struct {
	UUID string `json:"uuid"`
}

func (h *FilesystemHandler) Mount(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mountPoint, err := h.manager.Mount(r.Context(), req.UUID)
	if err != nil {
		h.logger.Error("mount failed", "uuid", req.UUID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"uuid":        req.UUID,
		"mount_point": mountPoint,
	})
}

func (h *FilesystemHandler) Unmount(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.Unmount(r.Context(), req.UUID); err != nil {
		h.logger.Error("unmount failed", "uuid", req.UUID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uuid": req.UUID, "status": "unmounted"})
}

type mkfsRequest struct {
	Device string `json:"device"`
	Label  string `json:"label,omitempty"`
}

func (h *FilesystemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req mkfsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Device == "" {
		writeError(w, http.StatusBadRequest, errors.New("device is required"))
		return
	}
	if err := h.manager.CreateFilesystem(r.Context(), req.Device, req.Label); err != nil {
		h.logger.Error("mkfs failed", "device", req.Device, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device": req.Device, "status": "created"})
}
