package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Factory that deploys one gift escrow per purchase.
const factoryABIJSON = `[
	{"type":"function","name":"createGiftContract","stateMutability":"nonpayable",
	 "inputs":[{"name":"_buyer","type":"address"},{"name":"_amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"GiftContractCreated","anonymous":false,
	 "inputs":[{"name":"giftContract","type":"address","indexed":true},
	           {"name":"buyer","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false}]}
]`

// Per-purchase escrow.
const giftABIJSON = `[
	{"type":"function","name":"isFulfilled","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getBuyer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getOwner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"fulfill","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"event","name":"FundsReceived","anonymous":false,
	 "inputs":[{"name":"buyer","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	FactoryABI = mustParseABI(factoryABIJSON)
	GiftABI    = mustParseABI(giftABIJSON)
)

// FundsReceivedTopic is topic[0] of the escrow's funding event.
var FundsReceivedTopic = GiftABI.Events["FundsReceived"].ID

// GiftContractCreatedTopic is topic[0] of the factory's creation event.
var GiftContractCreatedTopic = FactoryABI.Events["GiftContractCreated"].ID

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("escrow: bad ABI: " + err.Error())
	}
	return parsed
}

func fulfillCalldata() string {
	return hexutil.Encode(GiftABI.Methods["fulfill"].ID)
}
