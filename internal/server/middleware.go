package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/receiptflow/internal/observability/context"
)

const (
	HeaderHelpdeskRole = "X-Helpdesk-Role"
	contextRoleKey     = "helpdesk_role"
)

// HelpdeskRole resolves the caller role from the request header.
func (s *Server) HelpdeskRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderHelpdeskRole)))
		if role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextRoleKey, role)
		ctx := obscontext.WithActor(c.Request.Context(), "helpdesk", role)
		if eventID := c.Param("event_id"); eventID != "" {
			ctx = obscontext.WithEventID(ctx, eventID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
