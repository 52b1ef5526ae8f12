package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/auth"
	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
	"github.com/example/consumption-ledger/services/ledger/internal/policy"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router   chi.Router
	clock    *clock.Manual
	verifier auth.JWTVerifier
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(t0)
	l, err := ledger.New(ledger.Options{Store: store.NewMemory(clk, nil, nil), Policy: policy.DefaultConfig()})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if err := l.Initialize(ctx, "owner"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := l.RegisterContent(ctx, "owner", domain.ContentMeta{ContentID: "ep-1", Duration: 600 * time.Second, MaxPlaybackRate: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	verifier := auth.JWTVerifier{Secret: []byte("test-secret")}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireCaller(verifier))
		Mount(r, l)
	})
	return testServer{router: r, clock: clk, verifier: verifier}
}

func (s testServer) do(t *testing.T, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if caller != "" {
		tok, err := s.verifier.Issue(caller, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.APIError {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestRecordConsumption_AcceptAndClamp(t *testing.T) {
	s := newTestServer(t)

	s.clock.Set(t0.Add(60 * time.Second))
	rr := s.do(t, http.MethodPost, "/v1/consumption", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":60000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	s.clock.Set(t0.Add(65 * time.Second))
	rr = s.do(t, http.MethodPost, "/v1/consumption", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":600000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res resultResponse
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Verdict.Kind != "clamp" || res.Verdict.AppliedMs != 5000 || res.NewCumulativeMs != 65000 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecordConsumption_RejectIsOK(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/v1/consumption", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":1000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res resultResponse
	_ = json.NewDecoder(rr.Body).Decode(&res)
	if res.Verdict.Kind != "reject" || res.Verdict.Reason != "NO_ELAPSED_TIME" {
		t.Fatalf("expected NO_ELAPSED_TIME reject, got %+v", res.Verdict)
	}
}

func TestRecordConsumption_ErrorCodes(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name   string
		caller string
		body   string
		status int
		code   string
	}{
		{"missing token", "", `{"user_id":"alice","content_id":"ep-1","delta_ms":1}`, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"third party", "mallory", `{"user_id":"alice","content_id":"ep-1","delta_ms":1}`, http.StatusForbidden, "UNAUTHORIZED"},
		{"unknown content", "alice", `{"user_id":"alice","content_id":"nope","delta_ms":1}`, http.StatusNotFound, "UNKNOWN_CONTENT"},
		{"negative delta", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":-1}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"delta overflows duration", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":18446744073710}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad json", "alice", `{"user_id":`, http.StatusBadRequest, "INVALID_JSON"},
		{"unknown field", "alice", `{"user":"alice"}`, http.StatusBadRequest, "INVALID_JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/v1/consumption", tc.caller, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if got := decodeError(t, rr).Code; got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestFlagLifecycle(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/v1/progress/alice/ep-1/flag", "alice", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/v1/progress/alice/ep-1/flag", "owner", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	s.clock.Set(t0.Add(10 * time.Second))
	rr = s.do(t, http.MethodPost, "/v1/consumption", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":1000}`)
	if rr.Code != http.StatusConflict || decodeError(t, rr).Code != "RECORD_FLAGGED" {
		t.Fatalf("expected RECORD_FLAGGED, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodDelete, "/v1/progress/alice/ep-1/flag", "owner", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var p progressResponse
	_ = json.NewDecoder(rr.Body).Decode(&p)
	if p.Flagged {
		t.Fatalf("expected flag cleared")
	}

	rr = s.do(t, http.MethodGet, "/v1/progress/alice/ep-1", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestContentsAndReporters(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/v1/contents", "owner", `{"content_id":"movie","duration_ms":5400000}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = s.do(t, http.MethodPost, "/v1/contents", "owner", `{"content_id":"movie","duration_ms":1}`)
	if rr.Code != http.StatusConflict || decodeError(t, rr).Code != "CONTENT_EXISTS" {
		t.Fatalf("expected CONTENT_EXISTS, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodGet, "/v1/contents/movie", "alice", "")
	var c contentResponse
	_ = json.NewDecoder(rr.Body).Decode(&c)
	if c.DurationMs != 5400000 || c.MaxPlaybackRate != 1 {
		t.Fatalf("unexpected content: %+v", c)
	}

	rr = s.do(t, http.MethodPut, "/v1/reporters/platform?content_id=movie", "owner", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	s.clock.Set(t0.Add(30 * time.Second))
	rr = s.do(t, http.MethodPost, "/v1/consumption", "platform", `{"user_id":"bob","content_id":"movie","delta_ms":30000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected reporter submission to succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodDelete, "/v1/reporters/platform?content_id=movie", "owner", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodDelete, "/v1/reporters/platform?content_id=movie", "owner", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing approval, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodGet, "/v1/totals/bob", "alice", "")
	var tot totalsResponse
	_ = json.NewDecoder(rr.Body).Decode(&tot)
	if tot.ConsumedMs != 30000 {
		t.Fatalf("expected bob total 30000, got %+v", tot)
	}
}

func TestOversizedMillisecondsRejected(t *testing.T) {
	s := newTestServer(t)
	s.clock.Set(t0.Add(time.Minute))

	rr := s.do(t, http.MethodPost, "/v1/consumption", "alice", `{"user_id":"alice","content_id":"ep-1","delta_ms":9223372036854775807}`)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodGet, "/v1/progress/alice/ep-1", "alice", "")
	var p progressResponse
	_ = json.NewDecoder(rr.Body).Decode(&p)
	if p.TotalReports != 0 {
		t.Fatalf("rejected input must not use quota, got %d reports", p.TotalReports)
	}

	rr = s.do(t, http.MethodPost, "/v1/contents", "owner", `{"content_id":"long","duration_ms":9223372036855}`)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT for duration, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodGet, "/v1/contents/long", "alice", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("content must not be registered, got %d", rr.Code)
	}
}

func TestSubmitSigned_BadSignature(t *testing.T) {
	s := newTestServer(t)
	body := `{"report":{"user_id":"alice","content_id":"ep-1","delta_ms":1000,"deadline_ms":0},"signature":"0xzz"}`
	rr := s.do(t, http.MethodPost, "/v1/consumption/signed", "alice", body)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_SIGNATURE" {
		t.Fatalf("expected INVALID_SIGNATURE, got %d", rr.Code)
	}
}

func TestTransferOwnership(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPut, "/v1/owner", "alice", `{"owner":"alice"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodPut, "/v1/owner", "owner", `{"owner":"ops"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodGet, "/v1/owner", "alice", "")
	var o ownerRequest
	_ = json.NewDecoder(rr.Body).Decode(&o)
	if o.Owner != "ops" {
		t.Fatalf("expected ops, got %q", o.Owner)
	}
}
