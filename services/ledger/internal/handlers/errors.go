package handlers

import (
	"errors"
	"net/http"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

// writeLedgerError maps ledger sentinels to stable API codes. Anything
// unrecognised is a storage failure and becomes INTERNAL.
func writeLedgerError(w http.ResponseWriter, rid string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		api.BadRequest(w, "INVALID_ARGUMENT", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrInvalidSignature):
		api.BadRequest(w, "INVALID_SIGNATURE", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrSignatureExpired):
		api.BadRequest(w, "SIGNATURE_EXPIRED", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrUnauthorized):
		api.Forbidden(w, "UNAUTHORIZED", err.Error(), rid)
	case errors.Is(err, ledger.ErrUnknownContent):
		api.NotFound(w, "UNKNOWN_CONTENT", err.Error(), rid)
	case errors.Is(err, ledger.ErrRecordFlagged):
		api.Conflict(w, "RECORD_FLAGGED", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrContentExists):
		api.Conflict(w, "CONTENT_EXISTS", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		api.Conflict(w, "ALREADY_INITIALIZED", err.Error(), rid, nil)
	case errors.Is(err, ledger.ErrNotInitialized):
		api.Conflict(w, "NOT_INITIALIZED", err.Error(), rid, nil)
	default:
		api.Internal(w, rid)
	}
}
