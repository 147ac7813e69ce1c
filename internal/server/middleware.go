package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"expbot/internal/metrics"
	"expbot/internal/store"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// UserKey is the context key for the authenticated user
	UserKey ContextKey = "auth_user"
)

// apiKeyAuth authenticates requests with a user API key, from either the
// X-API-Key header or an Authorization Bearer token. On success the resolved
// user is stored in the request context.
func (r *Router) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				key = parts[1]
			}
		}
		if key == "" {
			respondError(c, http.StatusUnauthorized, "authentication_failed", "API key required")
			c.Abort()
			return
		}

		u, err := r.mgr.Authenticate(c.Request.Context(), key)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "authentication_failed", "Invalid API key")
			c.Abort()
			return
		}

		c.Set(string(UserKey), u)
		c.Next()
	}
}

// botSecretAuth guards the endpoints only the chat front end may call.
func (r *Router) botSecretAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Bot-Secret")
		if r.botSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(r.botSecret)) != 1 {
			metrics.IncAuthFailure()
			respondError(c, http.StatusUnauthorized, "authentication_failed", "Invalid bot secret")
			c.Abort()
			return
		}
		c.Next()
	}
}

func userFrom(c *gin.Context) (store.User, bool) {
	v, ok := c.Get(string(UserKey))
	if !ok {
		return store.User{}, false
	}
	u, ok := v.(store.User)
	return u, ok
}
