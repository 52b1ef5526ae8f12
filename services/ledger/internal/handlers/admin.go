package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

type reporterResponse struct {
	ReporterID string `json:"reporter_id"`
	ContentID  string `json:"content_id,omitempty"`
	Approved   bool   `json:"approved"`
}

// ApproveReporter handles PUT /v1/reporters/{reporter_id}?content_id=.
// Without content_id the approval covers every content.
func ApproveReporter(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		reporter := chi.URLParam(r, "reporter_id")
		contentID := strings.TrimSpace(r.URL.Query().Get("content_id"))
		if err := l.ApproveReporter(r.Context(), caller, reporter, contentID); err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, reporterResponse{ReporterID: reporter, ContentID: contentID, Approved: true})
	}
}

func RevokeReporter(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		reporter := chi.URLParam(r, "reporter_id")
		contentID := strings.TrimSpace(r.URL.Query().Get("content_id"))
		removed, err := l.RevokeReporter(r.Context(), caller, reporter, contentID)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		if !removed {
			api.NotFound(w, "NOT_FOUND", "reporter approval not found", rid)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetReporter(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		reporter := chi.URLParam(r, "reporter_id")
		contentID := strings.TrimSpace(r.URL.Query().Get("content_id"))
		ok, err := l.IsReporter(r.Context(), reporter, contentID)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, reporterResponse{ReporterID: reporter, ContentID: contentID, Approved: ok})
	}
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

func GetOwner(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		owner, err := l.Owner(r.Context())
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		if owner == "" {
			api.Conflict(w, "NOT_INITIALIZED", ledger.ErrNotInitialized.Error(), rid, nil)
			return
		}
		api.WriteJSON(w, http.StatusOK, ownerRequest{Owner: owner})
	}
}

// TransferOwnership handles PUT /v1/owner.
func TransferOwnership(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		var req ownerRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if err := l.TransferOwnership(r.Context(), caller, req.Owner); err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		owner, err := l.Owner(r.Context())
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, ownerRequest{Owner: owner})
	}
}

type totalsResponse struct {
	UserID     string `json:"user_id,omitempty"`
	ConsumedMs int64  `json:"consumed_ms"`
}

func GetTotal(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		d, err := l.TotalConsumption(r.Context())
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, totalsResponse{ConsumedMs: d.Milliseconds()})
	}
}

func GetUserTotal(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		user := strings.TrimSpace(chi.URLParam(r, "user_id"))
		d, err := l.UserConsumption(r.Context(), user)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, totalsResponse{UserID: user, ConsumedMs: d.Milliseconds()})
	}
}
