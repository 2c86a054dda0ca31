package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type addCartItemRequest struct {
	PaymentID   string `json:"payment_id"`
	TotalNotice int    `json:"total_notice"`
}

func (s *Server) GetCart(c *gin.Context) {
	cartID := strings.TrimSpace(c.Param("cart_id"))
	if cartID == "" {
		AbortWithError(c, newValidationError("cart_id", "required", "cart_id is required"))
		return
	}

	cart, err := s.carts.GetCart(c.Request.Context(), cartID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newCartView(cart)})
}

// AddCartItem records one paid notice of a cart. The arrival completing the cart triggers generation.
func (s *Server) AddCartItem(c *gin.Context) {
	cartID := strings.TrimSpace(c.Param("cart_id"))
	if cartID == "" {
		AbortWithError(c, newValidationError("cart_id", "required", "cart_id is required"))
		return
	}

	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id is required"))
		return
	}
	if req.TotalNotice <= 0 {
		AbortWithError(c, newValidationError("total_notice", "invalid", "total_notice must be positive"))
		return
	}

	cart, err := s.carts.OnCartItemArrived(c.Request.Context(), cartID, req.PaymentID, req.TotalNotice)
	if err != nil {
		if cart != nil && isPartial(err) {
			_, payload := mapError(err)
			c.JSON(http.StatusMultiStatus, gin.H{"data": newCartView(cart), "error": payload})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newCartView(cart)})
}
