package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
)

// Middleware extracts the bearer token, verifies it, and stores the AuthUser
// in the request context. Requests without a valid identity get 401.
func Middleware(verifier *Verifier, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}

		user, err := verifier.Verify(token)
		if err != nil {
			log.Debug("token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid bearer token"})
			return
		}

		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// bearerToken pulls the token out of the Authorization header. WebSocket and
// EventSource clients cannot set headers, so a token query parameter is also
// accepted.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(header)
	}
	return r.URL.Query().Get("token")
}

// MustUser returns the AuthUser for a request that has passed Middleware.
// It aborts with 401 when the user is absent (misconfigured route).
func MustUser(c *gin.Context) (AuthUser, bool) {
	user, ok := FromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "authentication required"})
		return AuthUser{}, false
	}
	return user, true
}
