package handlers

import (
	"log/slog"
	"net/http"

	"github.com/btrman/btrman/pkg/sysinfo"
)

type SysInfoHandler struct {
	logger *slog.Logger
}

func NewSysInfoHandler(logger *slog.Logger) *SysInfoHandler {
	return &SysInfoHandler{
		logger: logger.With("handler", "sysinfo"),
	}
}

func (h *SysInfoHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := sysinfo.Collect()
	if err != nil {
		h.logger.Error("sysinfo collection failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
