package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
)

func (s *Server) GetReceipt(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	receipt, err := s.generator.GetReceipt(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newReceiptView(receipt)})
}

// GetReceiptMessage resolves a notification message id back to the receipt that sent it.
func (s *Server) GetReceiptMessage(c *gin.Context) {
	messageID := strings.TrimSpace(c.Param("message_id"))
	if messageID == "" {
		AbortWithError(c, newValidationError("message_id", "required", "message_id is required"))
		return
	}

	receipt, err := s.generator.GetReceiptByMessageID(c.Request.Context(), messageID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newMessageView(receipt, messageID)})
}

func (s *Server) GetReceiptByOrganizationAndIUV(c *gin.Context) {
	org := strings.TrimSpace(c.Param("organization_fiscal_code"))
	iuv := strings.TrimSpace(c.Param("iuv"))
	if org == "" || iuv == "" {
		AbortWithError(c, newValidationError("iuv", "required", "organization fiscal code and iuv are required"))
		return
	}

	receipt, err := s.generator.GetReceiptByOrganizationAndIUV(c.Request.Context(), org, iuv)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newReceiptView(receipt)})
}

// GetReceiptPDF streams the stored document of one recipient.
func (s *Server) GetReceiptPDF(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}
	role, ok := domain.ParseDocumentRole(c.Param("role"))
	if !ok {
		AbortWithError(c, newValidationError("role", "invalid_role", "role must be debtor or payer"))
		return
	}

	ctx := c.Request.Context()
	receipt, err := s.generator.GetReceipt(ctx, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	meta := receipt.Attachment(role)
	if meta == nil || strings.TrimSpace(meta.Name) == "" {
		AbortWithError(c, &domain.NotFoundError{Resource: "attachment", ID: fmt.Sprintf("%s/%s", eventID, role)})
		return
	}

	body, err := s.blobs.Open(ctx, meta.Name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, -1, "application/pdf", body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`inline; filename="%s"`, meta.Name),
	})
}

func (s *Server) GenerateReceipt(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	receipt, err := s.generator.GenerateReceipt(c.Request.Context(), eventID)
	respondReceipt(c, receipt, err)
}

// IngestReceipt hands the event to the generation queue. A receipt still INSERTED is answered with 202.
func (s *Server) IngestReceipt(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	receipt, err := s.generator.Ingest(c.Request.Context(), eventID)
	if err == nil && receipt != nil && receipt.Status == domain.ReceiptStatusInserted {
		c.JSON(http.StatusAccepted, gin.H{"data": newReceiptView(receipt)})
		return
	}
	respondReceipt(c, receipt, err)
}

func (s *Server) RegenerateReceipt(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	receipt, err := s.generator.Regenerate(c.Request.Context(), eventID)
	respondReceipt(c, receipt, err)
}

func (s *Server) ResetRetries(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	receipt, err := s.recovery.ResetRetries(c.Request.Context(), eventID)
	respondReceipt(c, receipt, err)
}

// respondReceipt reports a persisted receipt whose pipeline stopped at a retryable step as a partial result.
func respondReceipt(c *gin.Context, receipt *domain.Receipt, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"data": newReceiptView(receipt)})
		return
	}
	if receipt != nil && isPartial(err) {
		_, payload := mapError(err)
		c.JSON(http.StatusMultiStatus, gin.H{
			"data":  newReceiptView(receipt),
			"error": payload,
		})
		return
	}
	AbortWithError(c, err)
}

func eventIDParam(c *gin.Context) (string, bool) {
	eventID := strings.TrimSpace(c.Param("event_id"))
	if eventID == "" {
		AbortWithError(c, newValidationError("event_id", "required", "event_id is required"))
		return "", false
	}
	return eventID, true
}
