package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/giftswap/internal/purchase"
	"github.com/mbd888/giftswap/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTokenPrice returns the payment token's USD quote.
func (h *Handlers) HandleGetTokenPrice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := h.client.TokenPrice(ctx, req.GetString("token_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get token price: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPrice(p)), nil
}

// HandleListGiftCards lists purchasable brands.
func (h *Handlers) HandleListGiftCards(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cards, err := h.client.GiftCards(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list gift cards: %v", err)), nil
	}
	if len(cards) == 0 {
		return mcp.NewToolResultText("No gift cards are available."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d gift card(s):\n", len(cards))
	for _, c := range cards {
		fmt.Fprintf(&sb, "- %s (%s)\n", c.Name, c.ID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetContractStatus reads an escrow's on-chain state.
func (h *Handlers) HandleGetContractStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr := req.GetString("contract_address", "")
	if addr == "" {
		return mcp.NewToolResultError("contract_address is required"), nil
	}
	if !validation.IsValidEthAddress(addr) {
		return mcp.NewToolResultError(fmt.Sprintf("%q is not a valid contract address", addr)), nil
	}

	st, err := h.client.ContractStatus(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get contract status: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Contract %s\n", addr)
	if st.IsFulfilled {
		fmt.Fprintf(&sb, "  Status: funded (%s wei)\n", st.Amount)
	} else {
		sb.WriteString("  Status: awaiting payment\n")
	}
	fmt.Fprintf(&sb, "  Buyer:  %s\n", st.Buyer)
	fmt.Fprintf(&sb, "  Owner:  %s\n", st.Owner)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPurchase describes a purchase session.
func (h *Handlers) HandleGetPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}
	v, err := h.client.Purchase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get purchase: %v", err)), nil
	}
	return mcp.NewToolResultText(formatView(v)), nil
}

// HandleCheckPurchase forces a funding check on a processing session.
func (h *Handlers) HandleCheckPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}
	v, err := h.client.CheckPurchase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check payment: %v", err)), nil
	}
	return mcp.NewToolResultText(formatView(v)), nil
}

func formatPrice(p PriceInfo) string {
	var sb strings.Builder
	name := p.Symbol
	if name == "" {
		name = p.TokenID
	}
	fmt.Fprintf(&sb, "%s: %s USD (24h %s)\n", strings.ToUpper(name), p.Price, p.Change)
	if !p.LastUpdated.IsZero() {
		fmt.Fprintf(&sb, "Updated: %s\n", p.LastUpdated.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if p.Stale {
		sb.WriteString("Warning: quote is stale")
		if p.Error != "" {
			fmt.Fprintf(&sb, " (%s)", p.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatView(v purchase.View) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Purchase %s: %s\n", v.ID, v.Phase)

	switch {
	case v.Form != nil:
		c := v.Form.Check
		if c.Label != "" {
			fmt.Fprintf(&sb, "  Form: %s\n", c.Label)
		}
		if c.GiftCardValue != "" {
			fmt.Fprintf(&sb, "  Gift card value: %s (fee %s)\n", c.GiftCardValue, c.Fee)
		}
		if c.Message != "" {
			fmt.Fprintf(&sb, "  Note: %s\n", c.Message)
		}
		if v.Form.Pending != nil {
			sb.WriteString("  Awaiting confirmation\n")
		}
	case v.Creating != nil:
		fmt.Fprintf(&sb, "  Creating escrow (retry %d)\n", v.Creating.Attempt)
	case v.Payment != nil:
		p := v.Payment
		fmt.Fprintf(&sb, "  Escrow: %s\n", p.Escrow.Address)
		fmt.Fprintf(&sb, "  Send %s wei to the escrow's fulfill() on chain %d\n", p.Instruction.Value, p.Instruction.ChainID)
		fmt.Fprintf(&sb, "  Time left: %ds\n", v.RemainingSeconds)
	case v.Processing != nil:
		p := v.Processing
		fmt.Fprintf(&sb, "  Escrow: %s\n", p.Escrow.Address)
		if p.TxHash != "" {
			fmt.Fprintf(&sb, "  Payment tx: %s (confirmed: %t)\n", p.TxHash, p.TxConfirmed)
		}
		if p.ManualCheck {
			sb.WriteString("  Funding not seen yet; use check_purchase_payment to re-check\n")
		}
	case v.Success != nil:
		s := v.Success
		fmt.Fprintf(&sb, "  Escrow: %s (confirmed by %s)\n", s.Escrow.Address, s.ConfirmedBy)
		switch {
		case s.Voucher == nil:
			sb.WriteString("  Voucher: being dispatched\n")
		case s.Voucher.Error != "":
			fmt.Fprintf(&sb, "  Voucher %s not delivered: %s\n", s.Voucher.Code, s.Voucher.Error)
		default:
			fmt.Fprintf(&sb, "  Voucher %s sent to %s\n", s.Voucher.Code, s.Voucher.Email)
		}
	case v.Error != nil:
		fmt.Fprintf(&sb, "  Failed (%s): %s\n", v.Error.Kind, v.Error.Message)
	}
	return sb.String()
}
