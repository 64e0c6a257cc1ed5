package middleware

import (
	"net/http"

	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
)

// BasicAuth guards next with HTTP basic auth when security is enabled in the current
// settings. Credentials are checked against the stored bcrypt hash.
func BasicAuth(settings func() config.Settings) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s := settings()
			if !s.EnableSecurity {
				next(w, r)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok || !s.CheckCredentials(user, pass) {
				if ok {
					logger.Warn("{middleware/auth - BasicAuth} Rejected credentials for user %q from %s", user, r.RemoteAddr)
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="stalker-proxy"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next(w, r)
		}
	}
}
