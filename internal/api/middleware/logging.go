package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"tradecore/pkg/utils"
)

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен для апгрейда /ws/stream до WebSocket
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Logging - middleware для структурированного логирования HTTP запросов.
// Ответы 5xx пишутся на уровне error, 4xx на warn, остальные на debug.
func Logging(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.NewNop()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []utils.Field{
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Duration("duration", time.Since(start)),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}
			switch {
			case wrapped.statusCode >= 500:
				log.Error("http request", fields...)
			case wrapped.statusCode >= 400:
				log.Warn("http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}
