package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/receiptflow/internal/authorization"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(contextRoleKey)
		if role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), authorization.HelpdeskActor(role), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
