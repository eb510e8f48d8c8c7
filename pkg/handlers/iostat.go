package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/btrman/btrman/pkg/iostat"
)

type IOStatHandler struct {
	logger    *slog.Logger
	collector *iostat.Collector
}

func NewIOStatHandler(logger *slog.Logger, collector *iostat.Collector) *IOStatHandler {
	return &IOStatHandler{
		logger:    logger.With("handler", "iostat"),
		collector: collector,
	}
}

func (h *IOStatHandler) Rates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.collector.Rates()
	if err != nil {
		h.logger.Error("iostat rates failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"io": rates})
}

func (h *IOStatHandler) History(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = parsed
	}

	samples, err := h.collector.History(device, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":  device,
		"samples": samples,
	})
}
