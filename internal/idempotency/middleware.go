package idempotency

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Header is the request header carrying the client's key.
const Header = "Idempotency-Key"

const maxKeyLength = 255

// Middleware replays recorded responses for repeated mutating requests that
// carry an Idempotency-Key. scope namespaces keys, typically per user, so
// that two clients never share a key. Server errors and conflicts are not
// recorded, and a panicking handler releases its key.
func Middleware(store Store, scope func(r *http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}

			full := scope(r) + ":" + r.Method + ":" + r.URL.Path + ":" + key
			ctx := r.Context()

			cached, err := store.Begin(ctx, full)
			if errors.Is(err, ErrInProgress) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			if err != nil {
				logger.Error("idempotency store unavailable", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if cached != nil {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			// Released on a panic or an unrecorded outcome so a retry runs again.
			release := func() {
				if err := store.Abandon(context.WithoutCancel(ctx), full); err != nil {
					logger.Warn("releasing idempotency key", "error", err)
				}
			}
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					release()
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)

			if !replayable(rec.status) {
				release()
				return
			}
			resp := &Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Finish(ctx, full, resp); err != nil {
				logger.Warn("recording idempotent response", "error", err)
			}
		})
	}
}

// replayable reports whether a response is final for its key. Conflicts
// describe state that may change, so they are not recorded.
func replayable(status int) bool {
	return status < http.StatusInternalServerError && status != http.StatusConflict
}

// recorder passes a response through while keeping a copy.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
