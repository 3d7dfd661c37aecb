package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditLog creates an audit middleware that records successful session
// mutations. It maps route templates to audit actions.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only audit successful write operations (status 2xx)
		if c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
			return
		}

		action := mapRouteToAction(c.FullPath(), c.Request.Method)
		if action == "" {
			return
		}

		sessionID := c.Param("session_id")
		if sessionID == "" {
			sessionID = c.GetString(CtxSessionID)
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"request_id": c.GetString(response.CtxRequestID),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:        uuid.New(),
			Caller:    Identity(c),
			Action:    action,
			SessionID: sessionID,
			IPAddress: c.ClientIP(),
			Details:   string(details),
			CreatedAt: time.Now().UTC(),
		})
	}
}

func mapRouteToAction(route, method string) domain.AuditAction {
	if method != http.MethodPost {
		return ""
	}
	switch route {
	case "/api/v1/sessions":
		return domain.AuditActionInitialize
	case "/api/v1/sessions/:session_id/fund":
		return domain.AuditActionFund
	case "/api/v1/sessions/:session_id/purchases":
		return domain.AuditActionPurchase
	case "/api/v1/sessions/:session_id/close":
		return domain.AuditActionClose
	}
	return ""
}
