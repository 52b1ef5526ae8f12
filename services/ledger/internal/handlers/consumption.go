package handlers

import (
	"net/http"
	"time"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/signing"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

type recordRequest struct {
	UserID       string `json:"user_id"`
	ContentID    string `json:"content_id"`
	DeltaMs      int64  `json:"delta_ms"`
	ReportedAtMs *int64 `json:"reported_at_ms,omitempty"`
	ReportID     string `json:"report_id,omitempty"`
}

// RecordConsumption submits a report on behalf of the authenticated
// caller. Reject verdicts are 200 responses carrying the reason.
func RecordConsumption(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		var req recordRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		delta, err := ledger.Millis("delta_ms", req.DeltaMs)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}

		report := ledger.Report{
			UserID:    req.UserID,
			ContentID: req.ContentID,
			Delta:     delta,
			ReportID:  req.ReportID,
		}
		if req.ReportedAtMs != nil {
			at := time.UnixMilli(*req.ReportedAtMs).UTC()
			report.ReportedAt = &at
		}

		res, err := l.RecordConsumption(r.Context(), caller, report)
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toResult(res))
	}
}

type signedRequest struct {
	Report    signing.Report `json:"report"`
	Signature string         `json:"signature"`
}

// SubmitSigned relays a reporter-signed report for the caller.
func SubmitSigned(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid, caller, ok := requireCaller(w, r)
		if !ok {
			return
		}
		var req signedRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		sig, err := signing.DecodeSignature(req.Signature)
		if err != nil {
			api.BadRequest(w, "INVALID_SIGNATURE", err.Error(), rid, nil)
			return
		}

		res, err := l.SubmitSigned(r.Context(), caller, ledger.SignedReport{Report: req.Report, Signature: sig})
		if err != nil {
			writeLedgerError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toResult(res))
	}
}
