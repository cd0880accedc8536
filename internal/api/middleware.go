package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/safar/go-sql-marketplace/internal/apperr"
	"github.com/safar/go-sql-marketplace/internal/directory"
	"github.com/safar/go-sql-marketplace/internal/logger"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
	headerRequestID = "X-Request-Id"
)

// requestLogger attaches the chi request id to the logging context, echoes
// it back, and logs each completed request.
func requestLogger(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if reqID := chimw.GetReqID(ctx); reqID != "" {
				w.Header().Set(headerRequestID, reqID)
				ctx = logg.WithRequestID(ctx, reqID)
			}
			if userID := strings.TrimSpace(r.Header.Get(headerUserID)); userID != "" {
				ctx = logg.WithUserID(ctx, userID)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logg.Info(logg.WithFields(ctx, map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}), "request completed")
		})
	}
}

func recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					err := fmt.Errorf("panic: %v", rec)
					respondError(r.Context(), logg, w, apperr.Wrap(apperr.KindInternal, err, "panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// userID reads the caller from X-User-ID. Authentication happens upstream.
func userID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		return "", apperr.New(apperr.KindForbidden, "X-User-ID header is required")
	}
	return id, nil
}

func (s *Server) actor(ctx context.Context, r *http.Request) (directory.Actor, error) {
	id, err := userID(r)
	if err != nil {
		return directory.Actor{}, err
	}
	actor, err := s.directory.ResolveActor(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return directory.Actor{}, apperr.New(apperr.KindForbidden, "unknown user")
		}
		return directory.Actor{}, err
	}
	return actor, nil
}
