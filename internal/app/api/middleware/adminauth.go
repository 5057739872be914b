package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/petgourmet/billing-backend/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware guards the admin group with a static bearer token.
// Comparison is constant-time. An empty configured token disables the
// whole group rather than leaving it open.
func AdminAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.ErrorT[any](response.APIResponseCodeError, "admin API disabled"))
			return
		}
		auth := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.ErrorT[any](response.APIResponseCodeError, "unauthorized"))
			return
		}
		c.Next()
	}
}
