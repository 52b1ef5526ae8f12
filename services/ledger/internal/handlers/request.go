package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/auth"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
)

const maxRequestBodyBytes = 1 << 16 // 64 KiB

// decodeJSON reads up to maxRequestBodyBytes from r.Body and decodes JSON into dst.
// On failure it writes a 400 response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
		return false
	}
	return true
}

// requireCaller returns the request id and authenticated caller, writing
// a 401 when there is none.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		api.Unauthorized(w, "UNAUTHENTICATED", "Missing caller identity", rid)
		return rid, "", false
	}
	return rid, caller, true
}
