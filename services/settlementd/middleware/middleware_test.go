package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/internal/settlementtest"
)

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := settlementtest.OpenDB(t)
	var calls atomic.Int32
	handler := NewIdempotency(db, 0, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	}))
	subject := &auth.Claims{Subject: uuid.New()}

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/donations", strings.NewReader(body))
		req.Header.Set(HeaderIdempotencyKey, "donate-1")
		req = req.WithContext(auth.WithClaims(req.Context(), subject))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"amount":"10"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	second := send(`{"amount":"10"}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.EqualValues(t, 1, calls.Load())

	mismatch := send(`{"amount":"11"}`)
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestIdempotencyKeysAreScopedToCaller(t *testing.T) {
	db := settlementtest.OpenDB(t)
	var calls atomic.Int32
	handler := NewIdempotency(db, 0, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/donations", strings.NewReader(`{}`))
		req.Header.Set(HeaderIdempotencyKey, "shared")
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{Subject: uuid.New()}))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestIdempotencyReservesKeyBeforeHandler(t *testing.T) {
	db := settlementtest.OpenDB(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handler := NewIdempotency(db, 0, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	subject := &auth.Claims{Subject: uuid.New()}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/donations", strings.NewReader(`{"amount":"10"}`))
		req.Header.Set(HeaderIdempotencyKey, "donate-concurrent")
		req = req.WithContext(auth.WithClaims(req.Context(), subject))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- send() }()
	<-entered

	inFlight := send()
	require.Equal(t, http.StatusConflict, inFlight.Code)
	require.Equal(t, "1", inFlight.Header().Get("Retry-After"))

	close(release)
	first := <-firstDone
	require.Equal(t, http.StatusCreated, first.Code)

	replay := send()
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	require.EqualValues(t, 1, calls.Load())
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	db := settlementtest.OpenDB(t)
	var calls atomic.Int32
	handler := NewIdempotency(db, 0, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	subject := &auth.Claims{Subject: uuid.New()}
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/donations", strings.NewReader(`{}`))
		req.Header.Set(HeaderIdempotencyKey, "retry-me")
		req = req.WithContext(auth.WithClaims(req.Context(), subject))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusServiceUnavailable, http.StatusCreated}, codes)
	require.EqualValues(t, 2, calls.Load())
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, "budgets are per caller")
}
