package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"tradecore/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers.
// Паника логируется со stack trace, клиент получает 500 без деталей.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.NewNop()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic in http handler",
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(rec)),
						utils.String("stack", string(debug.Stack())))
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
