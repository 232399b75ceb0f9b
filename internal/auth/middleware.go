package auth

import (
	"net/http"
	"strings"

	"github.com/workmesh/relay/internal/auth/jwt"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware for downstream handlers.
const (
	CtxTenantID   = "tenantID"
	CtxEmployeeID = "employeeID"
)

// Middleware verifies the request token and stores the tenant identity on
// the gin context. EventSource cannot set headers, so the token is also
// accepted as a query parameter on stream requests.
func Middleware(svc *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(CtxTenantID, claims.TenantID)
		c.Set(CtxEmployeeID, claims.EmployeeID)
		c.Next()
	}
}

// TenantID returns the verified tenant for the request, or "" if the
// middleware did not run.
func TenantID(c *gin.Context) string {
	return c.GetString(CtxTenantID)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
