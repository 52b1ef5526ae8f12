package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

type registerContentRequest struct {
	ContentID       string  `json:"content_id"`
	DurationMs      int64   `json:"duration_ms"`
	MaxPlaybackRate float64 `json:"max_playback_rate"`
	MaxReports      int64   `json:"max_reports"`
}

func RegisterContent(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		var req registerContentRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		duration, err := ledger.Millis("duration_ms", req.DurationMs)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		meta, err := l.RegisterContent(r.Context(), caller, domain.ContentMeta{
			ContentID:       req.ContentID,
			Duration:        duration,
			MaxPlaybackRate: req.MaxPlaybackRate,
			MaxReports:      req.MaxReports,
		})
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, toContent(meta))
	}
}

func GetContent(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		meta, err := l.GetContent(r.Context(), chi.URLParam(r, "content_id"))
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toContent(meta))
	}
}
