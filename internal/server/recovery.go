package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

type recoverFailedRequest struct {
	EventIDs []string `json:"event_ids"`
}

type recoverNotNotifiedRequest struct {
	Status string `json:"status"`
}

type recoverCartsRequest struct {
	CartIDs []string `json:"cart_ids"`
}

func (s *Server) RecoverFailed(c *gin.Context) {
	var req recoverFailedRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := s.recovery.RecoverBatch(c.Request.Context(), compactIDs(req.EventIDs))
	if result == nil {
		AbortWithError(c, err)
		return
	}
	respondRecovery(c, result, result.ErrorCounter, err)
}

func (s *Server) RecoverNotNotified(c *gin.Context) {
	var req recoverNotNotifiedRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	raw := strings.TrimSpace(req.Status)
	if raw == "" {
		raw = string(domain.ReceiptStatusIOErrorToNotify)
	}
	status, err := domain.ParseReceiptStatus(raw)
	if err != nil {
		AbortWithError(c, newValidationError("status", "invalid_status", err.Error()))
		return
	}

	result, err := s.recovery.RecoverNotNotified(c.Request.Context(), status)
	if result == nil {
		AbortWithError(c, err)
		return
	}
	respondRecovery(c, result, result.ErrorCounter, err)
}

func (s *Server) RecoverFailedCarts(c *gin.Context) {
	var req recoverCartsRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := s.recovery.RecoverCarts(c.Request.Context(), compactIDs(req.CartIDs))
	if result == nil {
		AbortWithError(c, err)
		return
	}
	respondRecovery(c, result, result.ErrorCounter, err)
}

// respondRecovery answers 200 only when every item was recovered. An aborted scan keeps its partial result.
func respondRecovery(c *gin.Context, result any, failures int, err error) {
	if err != nil {
		_, payload := mapError(err)
		c.JSON(http.StatusMultiStatus, gin.H{"data": result, "error": payload})
		return
	}
	if failures > 0 {
		c.JSON(http.StatusMultiStatus, gin.H{"data": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return false
	}
	return true
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
