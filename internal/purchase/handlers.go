package purchase

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftswap/internal/giftcard"
	"github.com/mbd888/giftswap/internal/logging"
)

// Handler exposes purchase sessions over HTTP.
type Handler struct {
	manager *Manager
	catalog *giftcard.Catalog
}

// NewHandler creates a purchase handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager, catalog: manager.deps.Catalog}
}

// RegisterRoutes mounts the purchase and catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/giftcards", h.ListGiftCards)

	r.POST("/purchases", h.CreatePurchase)
	r.GET("/purchases/:id", h.GetPurchase)
	r.DELETE("/purchases/:id", h.DeletePurchase)
	r.POST("/purchases/:id/submit", h.Submit)
	r.POST("/purchases/:id/confirm", h.action(func(ctx context.Context, s *Session) (View, error) { return s.Confirm(ctx) }))
	r.POST("/purchases/:id/payment", h.SubmitPayment)
	r.POST("/purchases/:id/cancel", h.action(func(ctx context.Context, s *Session) (View, error) { return s.Cancel(ctx) }))
	r.POST("/purchases/:id/reset", h.action(func(ctx context.Context, s *Session) (View, error) { return s.Reset(ctx) }))
	r.POST("/purchases/:id/check", h.action(func(ctx context.Context, s *Session) (View, error) { return s.CheckStatus(ctx) }))
}

// ListGiftCards handles GET /v1/giftcards
func (h *Handler) ListGiftCards(c *gin.Context) {
	cards := h.catalog.List()
	c.JSON(http.StatusOK, gin.H{"giftCards": cards, "count": len(cards)})
}

// CreatePurchase handles POST /v1/purchases
func (h *Handler) CreatePurchase(c *gin.Context) {
	s := h.manager.Create()
	c.JSON(http.StatusCreated, gin.H{"purchase": s.View()})
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": s.View()})
}

// DeletePurchase handles DELETE /v1/purchases/:id
func (h *Handler) DeletePurchase(c *gin.Context) {
	if err := h.manager.Close(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Submit handles POST /v1/purchases/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	check, err := s.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !check.Valid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"check": check, "purchase": s.View()})
}

type paymentRequest struct {
	TxHash string `json:"txHash"`
}

// SubmitPayment handles POST /v1/purchases/:id/payment
func (h *Handler) SubmitPayment(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req paymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	v, err := s.SubmitPayment(c.Request.Context(), req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": v})
}

func (h *Handler) action(fn func(context.Context, *Session) (View, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.session(c)
		if !ok {
			return
		}
		v, err := fn(c.Request.Context(), s)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"purchase": v})
	}
}

func (h *Handler) session(c *gin.Context) (*Session, bool) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Purchase not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTxHash):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("purchase request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
