package handlers

import (
	"log/slog"
	"net/http"

	"github.com/btrman/btrman/pkg/blockdev"
)

type DeviceHandler struct {
	logger *slog.Logger
	lister *blockdev.Lister
}

func NewDeviceHandler(logger *slog.Logger, lister *blockdev.Lister) *DeviceHandler {
	return &DeviceHandler{
		logger: logger.With("handler", "device"),
		lister: lister,
	}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.lister.List(r.Context())
	if err != nil {
		h.logger.Error("block device list failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}
