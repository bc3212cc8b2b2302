package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all giftswap tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("giftswap", "1.0.0")
	h := NewHandlers(NewAPIClient(cfg))

	s.AddTool(ToolGetTokenPrice, h.HandleGetTokenPrice)
	s.AddTool(ToolListGiftCards, h.HandleListGiftCards)
	s.AddTool(ToolGetContractStatus, h.HandleGetContractStatus)
	s.AddTool(ToolGetPurchase, h.HandleGetPurchase)
	s.AddTool(ToolCheckPurchase, h.HandleCheckPurchase)

	return s
}
