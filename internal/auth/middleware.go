package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const lecturerKey = "lecturerID"

// RoleLecturer is the role required by the management endpoints.
const RoleLecturer = "lecturer"

// LecturerAuth enforces bearer JWT tokens signed with HS256 and the lecturer
// role, and stores the lecturer id on the request context.
func LecturerAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != RoleLecturer {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "lecturer role required"})
			return
		}
		c.Set(lecturerKey, claims.Subject)
		c.Next()
	}
}

// LecturerID returns the authenticated lecturer id set by LecturerAuth.
func LecturerID(c *gin.Context) string {
	return c.GetString(lecturerKey)
}
