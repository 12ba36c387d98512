package logging

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// New builds the process logger. An unknown level falls back to info.
func New(level, service string) zerolog.Logger {
	return newLogger(os.Stdout, level, service)
}

func newLogger(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
}

// Middleware stores a request logger in the context and logs each request
// once it completes. It must run after middleware.RequestID.
func Middleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lc := base.With().Str("request_id", middleware.GetReqID(r.Context()))
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				lc = lc.Str("trace_id", sc.TraceID().String())
			}
			l := lc.Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := l.Info()
			if status >= http.StatusInternalServerError {
				ev = l.Error()
			}
			ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).
				Int("bytes", ww.BytesWritten()).Dur("took", time.Since(start)).Msg("request")
		})
	}
}
