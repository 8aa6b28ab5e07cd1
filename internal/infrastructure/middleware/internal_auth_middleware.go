package middleware

import (
	"crypto/subtle"
	"strings"

	"meetrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

// InternalTokenMiddleware guards service-to-service endpoints with a shared
// bearer token. With no token configured every request is refused.
func InternalTokenMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		if len(expected) == 0 {
			_ = c.Error(errors.NewServiceUnavailableError("internal API is disabled"))
			c.Abort()
			return
		}

		presented, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			_ = c.Error(errors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			_ = c.Error(errors.NewUnauthorizedError("invalid internal token"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// BearerToken extracts the credential of an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
