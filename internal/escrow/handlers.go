package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftswap/internal/logging"
	"github.com/mbd888/giftswap/internal/tokenamount"
	"github.com/mbd888/giftswap/internal/validation"
)

// Handler serves the provisioning and status endpoints. Responses keep
// the {success, ...} envelope that browser clients already consume.
type Handler struct {
	provisioner Provisioner
	status      StatusReader
	simulator   *Simulator
}

// NewHandler creates an escrow handler.
func NewHandler(p Provisioner, s StatusReader) *Handler {
	h := &Handler{provisioner: p, status: s}
	if sim, ok := p.(*Simulator); ok {
		h.simulator = sim
	}
	return h
}

// RegisterRoutes mounts /create-contract and /contract-status on r, plus
// /simulator/fund when backed by the simulator.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/create-contract", h.CreateContract)
	r.POST("/contract-status", h.ContractStatus)
	r.GET("/contract-status", h.ContractStatus)
	if h.simulator != nil {
		r.POST("/simulator/fund", h.SimulateFunding)
	}
}

// CreateContract handles POST /api/create-contract
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	contract, err := h.provisioner.CreateEscrow(c.Request.Context(), req)
	if err != nil {
		var pe *ProvisionError
		if errors.As(err, &pe) && pe.Kind == KindValidation {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": validationMessage(err)})
			return
		}
		code := CodeUnknown
		if pe != nil {
			code = pe.Code
		}
		logging.L(c.Request.Context()).Error("escrow creation failed", "buyer", req.BuyerAddress, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to create gift contract: " + cause(err),
			"code":    code,
		})
		return
	}

	logging.L(c.Request.Context()).Info("escrow created",
		slog.String("address", contract.Address),
		slog.String("tx", contract.TxHash),
	)
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"contractAddress": contract.Address,
		"txHash":          contract.TxHash,
	})
}

type statusRequest struct {
	ContractAddress string `json:"contractAddress" form:"contractAddress"`
}

// ContractStatus handles POST/GET /api/contract-status
func (h *Handler) ContractStatus(c *gin.Context) {
	var req statusRequest
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil || req.ContractAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Contract address is required"})
		return
	}
	if !validation.IsValidEthAddress(req.ContractAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid contract address"})
		return
	}

	st, err := h.status.Status(c.Request.Context(), req.ContractAddress)
	if err != nil {
		logging.L(c.Request.Context()).Warn("contract status failed", "address", req.ContractAddress, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to fetch contract status"})
		return
	}

	amount := "0"
	if st.Amount != nil {
		amount = st.Amount.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"isFulfilled": st.IsFulfilled,
		"amount":      amount,
		"buyer":       st.Buyer,
		"owner":       st.Owner,
	})
}

// SimulateFunding handles POST /api/simulator/fund: stands in for the
// buyer's fulfill() transaction when no chain is configured.
func (h *Handler) SimulateFunding(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Contract address is required"})
		return
	}
	ev, err := h.simulator.Fund(req.ContractAddress)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"txHash":  ev.TxHash,
		"amount":  tokenamount.FormatWei(ev.Amount),
	})
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingFields):
		return "Missing required fields: buyerAddress, amount, email"
	case errors.Is(err, ErrInvalidAddress):
		return "Invalid buyer address"
	case errors.Is(err, ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ErrInvalidEmail):
		return "Invalid email address"
	default:
		return cause(err)
	}
}

// cause strips the ProvisionError envelope for display.
func cause(err error) string {
	var pe *ProvisionError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}
