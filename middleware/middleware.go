// Package middleware provides the gin middleware stack: CORS and the
// organization context extracted from request headers. Full authentication
// is handled upstream by the platform gateway.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// OrgIDHeader carries the caller's organization, set by the gateway.
	OrgIDHeader = "X-Org-ID"

	orgIDKey = "org-id"
)

// OrgContextMiddleware extracts the caller's organization from headers and
// stores it in the request context.
func OrgContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetHeader(OrgIDHeader)
		if orgID == "" {
			orgID = "default"
		}
		c.Set(orgIDKey, orgID)
		c.Next()
	}
}

// GetOrgID retrieves the caller's organization from the Gin context.
func GetOrgID(c *gin.Context) string {
	orgID, exists := c.Get(orgIDKey)
	if !exists {
		return "default"
	}
	return orgID.(string)
}

// CORSMiddleware handles CORS for the web portal.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, "+
				"Authorization, accept, origin, Cache-Control, X-Requested-With, "+
				OrgIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods",
			"POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
