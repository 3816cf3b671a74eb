package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nexvision/intake/internal/security"
)

const uploadClaimsKey = "upload_claims"

// UploadToken requires a bearer upload token whose upload matches the :id
// route parameter.
func UploadToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := security.ParseUploadToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		if id := c.Param("id"); id != "" && id != claims.UploadID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token_upload_mismatch"})
			return
		}

		c.Set(uploadClaimsKey, *claims)
		c.Next()
	}
}

func UploadClaims(c *gin.Context) (security.UploadClaims, bool) {
	v, ok := c.Get(uploadClaimsKey)
	if !ok {
		return security.UploadClaims{}, false
	}
	claims, ok := v.(security.UploadClaims)
	return claims, ok
}
