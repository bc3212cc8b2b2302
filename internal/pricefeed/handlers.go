package pricefeed

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftswap/internal/pricing"
)

// Handler exposes quotes over HTTP.
type Handler struct {
	client *Client
}

// NewHandler creates a price handler.
func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

// RegisterRoutes mounts the price routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/prices/:token", h.GetPrice)
	r.POST("/prices/:token/refresh", h.RefreshPrice)
}

type quoteResponse struct {
	Quote
	Price  string `json:"price"`
	Change string `json:"change"`
	Stale  bool   `json:"stale"`
	Error  string `json:"error,omitempty"`
}

// GetPrice handles GET /prices/:token
func (h *Handler) GetPrice(c *gin.Context) {
	token := c.Param("token")
	q, err := h.client.Get(c.Request.Context(), token)
	h.respond(c, token, q, err)
}

// RefreshPrice handles POST /prices/:token/refresh
func (h *Handler) RefreshPrice(c *gin.Context) {
	token := c.Param("token")
	q, err := h.client.Refresh(c.Request.Context(), token)
	h.respond(c, token, q, err)
}

func (h *Handler) respond(c *gin.Context, token string, q Quote, err error) {
	if err == nil {
		c.JSON(http.StatusOK, render(q, false, ""))
		return
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "token_not_found",
			"message": "No price available for token " + token,
		})
		return
	}

	// Serve the last good quote, flagged, when there is one.
	if st := h.client.State(token); st.Quote != nil {
		c.JSON(http.StatusOK, render(*st.Quote, true, err.Error()))
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{
		"error":   "price_unavailable",
		"message": err.Error(),
	})
}

func render(q Quote, stale bool, errMsg string) quoteResponse {
	return quoteResponse{
		Quote:  q,
		Price:  pricing.FormatPrice(q.PriceUSD),
		Change: pricing.FormatChange(q.Change24h),
		Stale:  stale,
		Error:  errMsg,
	}
}
