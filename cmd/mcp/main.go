// giftswap MCP server: exposes prices, gift cards, escrow status and
// purchase sessions as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/giftswap/internal/config"
	"github.com/mbd888/giftswap/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("GIFTSWAP_API_URL", "http://localhost:"+config.DefaultPort),
		TokenID: envOrDefault("PRICE_TOKEN_ID", config.DefaultPriceTokenID),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
