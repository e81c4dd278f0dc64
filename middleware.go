package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// statusRecorder remembers what a handler answered so the access log and the
// latency histogram can label the request.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.code == 0 {
		sr.code = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.code == 0 {
		sr.code = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.written += n
	return n, err
}

func (sr *statusRecorder) status() int {
	if sr.code == 0 {
		return http.StatusOK
	}
	return sr.code
}

// secretHeaders never reach the log. Keys are in canonical form.
var secretHeaders = map[string]bool{
	"Authorization":     true,
	"Cookie":            true,
	adminPasswordHeader: true,
}

// loggedHeaders renders request headers as a zap object with secrets masked.
type loggedHeaders http.Header

func (h loggedHeaders) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, vv := range h {
		if secretHeaders[http.CanonicalHeaderKey(k)] {
			enc.AddString(k, "<redacted>")
			continue
		}
		if err := enc.AddArray(k, zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
			for _, v := range vv {
				arr.AppendString(v)
			}
			return nil
		})); err != nil {
			return err
		}
	}
	return nil
}

func loggingMiddleware(log *zap.Logger, m *metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if ce := log.Check(zap.DebugLevel, "incoming request"); ce != nil {
			ce.Write(zap.String("method", r.Method), zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr), zap.Object("headers", loggedHeaders(r.Header)))
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(rec.status())).Observe(elapsed.Seconds())
		log.Info("served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status()),
			zap.Int("bytes", rec.written),
			zap.Duration("elapsed", elapsed))
	})
}

// corsMiddleware lets browser clients on any origin reach the node. Cookies
// are not shared cross-origin.
func corsMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"*"},
		MaxAge:         86400,
	})
	if log.Core().Enabled(zap.DebugLevel) {
		if std, err := zap.NewStdLogAt(log.Named("cors"), zap.DebugLevel); err == nil {
			c.Log = std
		}
	}
	return c.Handler(next)
}
