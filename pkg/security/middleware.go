package security

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// IdentityHeader is an alternative to the Authorization header for clients
// that reserve Authorization for something else.
const IdentityHeader = "X-Identity-Token"

// IdentityFromRequest returns the bearer token presented on r, if any.
func IdentityFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}

// IdentityMiddleware attaches an AuthContext to every request. A request
// without a token passes through anonymously, since many turns need no
// identity. A token that fails verification is rejected with 401.
func IdentityMiddleware(auth Authenticator, audit AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := &AuthContext{
				IPAddress:   clientIP(r),
				UserAgent:   r.UserAgent(),
				RequestTime: time.Now(),
			}

			if token := IdentityFromRequest(r); token != "" {
				principal, err := auth.Authenticate(r.Context(), token)
				if audit != nil {
					audit.Log(NewEvent(WithAuthContext(r.Context(), authCtx), EventAuthAttempt, "identity", "authenticate", err))
				}
				if err != nil {
					log.Printf("[security] rejected identity token %s from %s", RedactToken(token), authCtx.IPAddress)
					http.Error(w, `{"code":"UNAUTHORIZED","message":"invalid identity token"}`, http.StatusUnauthorized)
					return
				}
				authCtx.Principal = principal
				authCtx.Token = token
			}

			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
