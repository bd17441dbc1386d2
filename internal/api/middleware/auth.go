package middleware

import (
	"net/http"
	"strings"

	"tradecore/pkg/crypto"
	"tradecore/pkg/utils"
)

// BearerAuth - middleware для управляющих (мутирующих) маршрутов
//
// Сверяет заголовок Authorization: Bearer <token> с bcrypt-хешем
// из конфигурации (Security.APITokenHash). Если хеш не задан,
// управляющие маршруты недоступны (403): читать статус можно, менять нельзя.
//
// Использование:
//
//	ctl := api.NewRoute().Subrouter()
//	ctl.Use(middleware.BearerAuth(cfg.Security.APITokenHash, log))
func BearerAuth(tokenHash string, log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.NewNop()
	}
	log = log.WithComponent("api_auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				writeError(w, http.StatusForbidden, "control_disabled", "control API token is not configured")
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tradecore"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			if err := crypto.VerifyToken(token, tokenHash); err != nil {
				log.Warn("rejected control request",
					utils.String("path", r.URL.Path), utils.String("remote", r.RemoteAddr), utils.Err(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="tradecore", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из заголовка Authorization
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
