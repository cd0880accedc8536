package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/logger"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	DefaultTTL = 24 * time.Hour

	DefaultMaxBodyBytes = 1 << 20
)

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// ScopeFunc names whose request this is. The default uses X-User-ID, or
// X-Session-ID for guests.
type ScopeFunc func(r *http.Request) string

type Options struct {
	TTL        time.Duration
	Logger     *logger.Logger
	WriteError ErrorWriter
	Scope      ScopeFunc
	// MaxBodyBytes caps the body buffered for hashing and replay.
	MaxBodyBytes int64
}

type record struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
	RequestHash string `json:"request_hash"`
}

// Middleware records the first response for each Idempotency-Key and
// replays it for later requests with the same key and body. Requests without
// the header pass through. A nil store disables the middleware. Server
// errors are not recorded so the client can retry them.
func Middleware(store Store, opts Options) func(http.Handler) http.Handler {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.WriteError == nil {
		opts.WriteError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), apperr.MetadataFor(apperr.KindOf(err)).HTTPStatus)
		}
	}
	if opts.Scope == nil {
		opts.Scope = callerScope
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderKey))
			if store == nil || id == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(id) > 255 {
				opts.WriteError(w, r, apperr.New(apperr.KindValidation, "Idempotency-Key is too long"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, opts.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					opts.WriteError(w, r, apperr.Newf(apperr.KindValidation, "request body exceeds %d bytes", tooLarge.Limit))
					return
				}
				opts.WriteError(w, r, apperr.Wrap(apperr.KindValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			hash := hashBody(body)
			key := Key(opts.Scope(r)+"|"+r.Method+"|"+r.URL.Path, id)

			stored, err := store.Get(ctx, key)
			switch {
			case err == nil:
				var rec record
				if err := json.Unmarshal([]byte(stored), &rec); err != nil {
					opts.WriteError(w, r, fmt.Errorf("decode idempotency record: %w", err))
					return
				}
				if rec.RequestHash != hash {
					opts.WriteError(w, r, apperr.New(apperr.KindValidation, "Idempotency-Key reused with a different request body"))
					return
				}
				replay(w, rec)
				return
			case !errors.Is(err, ErrMiss):
				// fail open: the engine's own row locks still stop a double charge
				opts.Logger.Error(ctx, "idempotency lookup failed", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			status := capture.statusCode()
			if status >= http.StatusInternalServerError {
				return
			}

			payload, err := json.Marshal(record{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
				ContentType: capture.Header().Get("Content-Type"),
				RequestHash: hash,
			})
			if err != nil {
				opts.Logger.Error(ctx, "encode idempotency record", err)
				return
			}
			if _, err := store.SetNX(ctx, key, string(payload), opts.TTL); err != nil {
				opts.Logger.Error(ctx, "persist idempotency record", err)
			}
		})
	}
}

func callerScope(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return "user:" + user
	}
	return "session:" + strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func replay(w http.ResponseWriter, rec record) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.Status)
	if body, err := base64.StdEncoding.DecodeString(rec.Body); err == nil {
		_, _ = w.Write(body)
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
