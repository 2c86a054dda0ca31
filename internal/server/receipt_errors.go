package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetReceiptError(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	item, err := s.review.GetReceiptError(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newReceiptErrorView(item)})
}

func (s *Server) MarkReviewed(c *gin.Context) {
	eventID, ok := eventIDParam(c)
	if !ok {
		return
	}

	item, err := s.review.MarkReviewed(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newReceiptErrorView(item)})
}

func (s *Server) MarkAllReviewed(c *gin.Context) {
	count, err := s.review.MarkAllReviewed(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"reviewed": count}})
}
