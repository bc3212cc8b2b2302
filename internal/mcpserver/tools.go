package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the giftswap MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTokenPrice = mcp.NewTool("get_token_price",
	mcp.WithDescription(
		"Get the current USD price of the token buyers pay with. "+
			"Shows the price, 24h change, and whether the quote is stale."),
	mcp.WithString("token_id",
		mcp.Description("Price feed token id (e.g. 'coredaoorg'). Defaults to the service's payment token.")),
)

var ToolListGiftCards = mcp.NewTool("list_gift_cards",
	mcp.WithDescription("List the gift card brands that can be purchased."),
)

var ToolGetContractStatus = mcp.NewTool("get_contract_status",
	mcp.WithDescription(
		"Read the on-chain state of a gift escrow contract: whether it is funded, "+
			"the amount paid, and the buyer and owner addresses."),
	mcp.WithString("contract_address",
		mcp.Required(),
		mcp.Description("Escrow contract address (e.g. '0x1234...')")),
)

var ToolGetPurchase = mcp.NewTool("get_purchase",
	mcp.WithDescription(
		"Get the current phase of a gift card purchase session: the form check, "+
			"the escrow awaiting payment with its countdown, processing, success with the voucher, or the failure reason."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("Purchase session id returned when the purchase was created")),
)

var ToolCheckPurchase = mcp.NewTool("check_purchase_payment",
	mcp.WithDescription(
		"Ask a purchase that is processing payment to check its escrow immediately "+
			"instead of waiting for the next poll."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("Purchase session id")),
)
