package middleware

import (
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// origins - список разрешенных доменов через запятую; "*" разрешает все.
// Для разрешенных origins выставляется конкретный Origin и credentials,
// запросы без Origin (curl, CLI) пропускаются с "*".
// Для неразрешенных origins заголовки не ставятся, браузер заблокирует ответ.
//
// Preflight (OPTIONS) отвечает 204 без вызова следующего handler.
func CORS(origins string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool)
	allowAll := false
	for _, origin := range strings.Split(origins, ",") {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case origin == "":
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowAll || allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
