package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

func GetProgress(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		rec, err := l.GetProgress(r.Context(), chi.URLParam(r, "user_id"), chi.URLParam(r, "content_id"))
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toProgress(rec))
	}
}

// FlagRecord and ClearFlag are owner-only.
func FlagRecord(l *ledger.Ledger) http.HandlerFunc {
	return setFlag(l.FlagRecord)
}

func ClearFlag(l *ledger.Ledger) http.HandlerFunc {
	return setFlag(l.ClearFlag)
}

func setFlag(op func(ctx context.Context, caller, userID, contentID string) (domain.ProgressRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		rec, err := op(r.Context(), caller, chi.URLParam(r, "user_id"), chi.URLParam(r, "content_id"))
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toProgress(rec))
	}
}
