package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(time.Minute)
	m.now = func() time.Time { return now }

	resp, err := m.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = m.Begin(ctx, "k")
	assert.ErrorIs(t, err, ErrInProgress)

	require.NoError(t, m.Finish(ctx, "k", &Response{Status: 201, Body: []byte("ok")}))
	resp, err = m.Begin(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)

	now = now.Add(2 * time.Minute)
	resp, err = m.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp, "expired key is reserved afresh")

	require.NoError(t, m.Abandon(ctx, "k"))
	resp, err = m.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func newHandler(calls *int, status int) http.Handler {
	store := NewMemoryStore(time.Hour)
	mw := Middleware(store, func(r *http.Request) string { return r.Header.Get("X-User") }, slog.Default())
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	}))
}

func do(h http.Handler, method, key, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/transfers", nil)
	if key != "" {
		req.Header.Set(Header, key)
	}
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMiddlewareReplays(t *testing.T) {
	var calls int
	h := newHandler(&calls, http.StatusCreated)

	first := do(h, http.MethodPost, "abc", "alice")
	second := do(h, http.MethodPost, "abc", "alice")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestMiddlewareScopesKeys(t *testing.T) {
	var calls int
	h := newHandler(&calls, http.StatusCreated)

	do(h, http.MethodPost, "abc", "alice")
	do(h, http.MethodPost, "abc", "bob")
	do(h, http.MethodPost, "", "alice")
	do(h, http.MethodPost, "", "alice")
	do(h, http.MethodGet, "abc", "alice")
	do(h, http.MethodPost, "abc", "alice")

	assert.Equal(t, 5, calls)
}

func TestMiddlewareDoesNotRecordServerErrors(t *testing.T) {
	var calls int
	h := newHandler(&calls, http.StatusInternalServerError)

	do(h, http.MethodPost, "abc", "alice")
	do(h, http.MethodPost, "abc", "alice")

	assert.Equal(t, 2, calls)
}

func TestMiddlewareRejectsLongKeys(t *testing.T) {
	var calls int
	h := newHandler(&calls, http.StatusCreated)

	long := make([]byte, maxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	w := do(h, http.MethodPost, string(long), "alice")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, calls)
}

func TestMiddlewareRetriesAfterConflict(t *testing.T) {
	var calls int
	mw := Middleware(NewMemoryStore(time.Hour), func(r *http.Request) string { return "alice" }, slog.Default())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := do(h, http.MethodPost, "abc", "alice")
	second := do(h, http.MethodPost, "abc", "alice")
	third := do(h, http.MethodPost, "abc", "alice")

	assert.Equal(t, http.StatusConflict, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, calls)
}

func TestMiddlewareReleasesKeyOnPanic(t *testing.T) {
	var calls int
	mw := Middleware(NewMemoryStore(time.Hour), func(r *http.Request) string { return "alice" }, slog.Default())
	inner := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("ledger exploded")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		inner.ServeHTTP(w, r)
	})

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "abc", "alice").Code)
	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "abc", "alice").Code)
	assert.Equal(t, 2, calls)
}

func TestMemoryStorePendingExpiresEarly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(DefaultTTL)
	m.now = func() time.Time { return now }

	_, err := m.Begin(ctx, "stuck")
	require.NoError(t, err)
	_, err = m.Begin(ctx, "stuck")
	require.ErrorIs(t, err, ErrInProgress)

	now = now.Add(PendingTTL)
	resp, err := m.Begin(ctx, "stuck")
	require.NoError(t, err)
	assert.Nil(t, resp, "abandoned reservation is taken over")

	require.NoError(t, m.Finish(ctx, "stuck", &Response{Status: 201}))
	now = now.Add(time.Hour)
	resp, err = m.Begin(ctx, "stuck")
	require.NoError(t, err)
	require.NotNil(t, resp, "recorded responses keep the full ttl")
}
