package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"channelchat/internal/user"
)

type contextKey string

const IdentityKey contextKey = "identity"

// Authenticator resolves a raw token; it must never fail, only degrade to anonymous.
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) user.Identity
}

type AuthMiddleware struct {
	authenticator Authenticator
	cookieName    string
}

func NewAuthMiddleware(a Authenticator, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{authenticator: a, cookieName: cookieName}
}

// Handle resolves the caller's identity and stores it in the request context.
// It never rejects: WebSocket routes must upgrade before they can tell the
// peer why it is being turned away, so the decision belongs to the handler.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := am.authenticator.Authenticate(r.Context(), TokenFromRequest(r, am.cookieName))

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromRequest looks in the cookie first, then the Authorization header,
// then the token query parameter.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Fields(authHeader)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return r.URL.Query().Get("token")
}

// IdentityFrom returns the identity stored by Handle, or Anonymous.
func IdentityFrom(ctx context.Context) user.Identity {
	identity, ok := ctx.Value(IdentityKey).(user.Identity)
	if !ok {
		return user.Anonymous
	}
	return identity
}
