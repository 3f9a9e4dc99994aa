package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/observability"
	"routebrain/internal/routing"
)

// Gin context keys for the ambient routing context.
const (
	ctxRequestID  = "rb.request_id"
	ctxTenantID   = "rb.tenant_id"
	ctxUserID     = "rb.user_id"
	ctxDepartment = "rb.department"
)

// RequestIDMiddleware honors an inbound X-Request-Id, mints one otherwise, and
// echoes it on every response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = routing.NewRequestID()
		}
		c.Set(ctxRequestID, requestID)
		c.Header("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// AuthMiddleware validates the gateway API key and injects the ambient
// tenant/user/department context from headers. With no keys configured in a
// development environment, auth is bypassed for local experimentation.
func AuthMiddleware(validKeys []string, devMode bool, logger *observability.Logger) gin.HandlerFunc {
	keySet := make(map[string]bool, len(validKeys))
	for _, k := range validKeys {
		keySet[k] = true
	}
	bypass := devMode && len(keySet) == 0

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if !bypass {
			key := extractAPIKey(c)
			if key == "" {
				renderError(c, &gatewayerrors.AuthenticationError{Message: "missing API key"})
				return
			}
			if !keySet[key] {
				logger.Warn("rejected API key", "key", observability.SanitizeAPIKey(key))
				renderError(c, &gatewayerrors.AuthenticationError{Message: "invalid API key"})
				return
			}
		}

		c.Set(ctxTenantID, c.GetHeader("X-Tenant-Id"))
		c.Set(ctxUserID, c.GetHeader("X-User-Id"))
		c.Set(ctxDepartment, c.GetHeader("X-Department"))
		c.Next()
	}
}

// extractAPIKey accepts "Authorization: Bearer <key>" or an "api-key" header.
func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		return strings.TrimSpace(auth)
	}
	return strings.TrimSpace(c.GetHeader("api-key"))
}

// renderError writes a taxonomy error as an OpenAI-style error body and
// aborts the handler chain.
func renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	if ge, ok := gatewayerrors.AsGateway(err); ok {
		status = ge.StatusCode()
		code = ge.ErrorCode()
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    code,
			"code":    code,
		},
	})
}
