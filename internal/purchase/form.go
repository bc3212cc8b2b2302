package purchase

import (
	"strings"

	"github.com/mbd888/giftswap/internal/giftcard"
	"github.com/mbd888/giftswap/internal/pricefeed"
	"github.com/mbd888/giftswap/internal/pricing"
	"github.com/mbd888/giftswap/internal/validation"
)

// Request is a submitted purchase. It is not modified after submission.
type Request struct {
	BuyerAddress string `json:"buyerAddress"`
	Amount       string `json:"amount"`
	Email        string `json:"email"`
	GiftCard     string `json:"giftCard"`
}

func (r Request) normalized() Request {
	r.BuyerAddress = strings.TrimSpace(r.BuyerAddress)
	r.Amount = strings.TrimSpace(r.Amount)
	r.Email = strings.TrimSpace(r.Email)
	r.GiftCard = strings.ToUpper(strings.TrimSpace(r.GiftCard))
	return r
}

// Submit button labels, in the order the checks run.
const (
	LabelConnectWallet = "Connect Wallet"
	LabelLoadingPrice  = "Loading Price..."
	LabelPriceError    = "Price Error - Try Again"
	LabelEnterAmount   = "Enter Amount"
	LabelEnterEmail    = "Enter Email Address"
	LabelFixEmail      = "Fix Email Address"
	LabelMinimum       = "Minimum $0.50 Required"
	LabelSelectCard    = "Select Gift Card"
	LabelBuyNow        = "Buy Now"
)

// PriceStatus is the quote state a form is checked against.
type PriceStatus struct {
	Quote   *pricefeed.Quote
	Loading bool
	Err     error
}

// FormCheck is the outcome of checking a request. Label is the submit
// button text; Valid only when Label is LabelBuyNow.
type FormCheck struct {
	Valid         bool   `json:"valid"`
	Label         string `json:"label"`
	EmailError    string `json:"emailError,omitempty"`
	USDValue      string `json:"usdValue,omitempty"`
	GiftCardValue string `json:"giftCardValue,omitempty"`
	Fee           string `json:"fee,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CheckForm runs the submission guard. A loading, errored or missing
// quote blocks submission.
func CheckForm(req Request, price PriceStatus, catalog *giftcard.Catalog) FormCheck {
	req = req.normalized()
	if catalog == nil {
		catalog = giftcard.Default
	}

	blocked := func(label string) FormCheck { return FormCheck{Label: label} }

	if req.BuyerAddress == "" || !validation.IsValidEthAddress(req.BuyerAddress) {
		return blocked(LabelConnectWallet)
	}
	if price.Loading {
		return blocked(LabelLoadingPrice)
	}
	if price.Err != nil || price.Quote == nil || !price.Quote.PriceUSD.IsPositive() {
		return blocked(LabelPriceError)
	}
	if req.Amount == "" || !validation.IsAmountInput(req.Amount) {
		return blocked(LabelEnterAmount)
	}

	check := FormCheck{}
	val, err := pricing.Value(req.Amount, price.Quote.PriceUSD)
	if err != nil {
		// "0", "." and amounts finer than the token's precision.
		return blocked(LabelEnterAmount)
	}
	check.USDValue = pricing.FormatUSD(val.USDValue)
	check.GiftCardValue = pricing.FormatUSD(val.GiftCardValue)
	check.Fee = pricing.FormatUSD(val.Fee)

	switch {
	case req.Email == "":
		check.Label = LabelEnterEmail
	case !validation.IsValidEmail(req.Email):
		check.Label = LabelFixEmail
		check.EmailError = "Please enter a valid email address"
	case !val.MeetsMinimum():
		check.Label = LabelMinimum
	case !knownCard(catalog, req.GiftCard):
		check.Label = LabelSelectCard
	default:
		check.Label = LabelBuyNow
		check.Valid = true
	}
	return check
}

func knownCard(catalog *giftcard.Catalog, id string) bool {
	if id == "" {
		return false
	}
	_, err := catalog.Lookup(id)
	return err == nil
}
