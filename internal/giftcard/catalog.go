// Package giftcard lists the gift cards a buyer can choose from.
package giftcard

import (
	"errors"
	"strings"
)

// ErrUnknown is returned for a gift-card id not in the catalog.
var ErrUnknown = errors.New("giftcard: unknown gift card")

// Card is one purchasable brand.
type Card struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Brand string `json:"brand"`
}

// Catalog is an ordered, read-only set of cards.
type Catalog struct {
	cards []Card
	byID  map[string]Card
}

// Default is the catalog shipped with the service.
var Default = NewCatalog(
	Card{ID: "AMAZON", Name: "Amazon Gift Card", Brand: "Amazon"},
	Card{ID: "FLIPKART", Name: "Flipkart Gift Card", Brand: "Flipkart"},
)

// NewCatalog builds a catalog; later duplicates of an id are ignored.
func NewCatalog(cards ...Card) *Catalog {
	c := &Catalog{byID: make(map[string]Card, len(cards))}
	for _, card := range cards {
		id := strings.ToUpper(card.ID)
		if _, dup := c.byID[id]; dup {
			continue
		}
		card.ID = id
		c.cards = append(c.cards, card)
		c.byID[id] = card
	}
	return c
}

// Lookup finds a card by id, case-insensitively.
func (c *Catalog) Lookup(id string) (Card, error) {
	card, ok := c.byID[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return Card{}, ErrUnknown
	}
	return card, nil
}

// List returns the cards in catalog order.
func (c *Catalog) List() []Card {
	out := make([]Card, len(c.cards))
	copy(out, c.cards)
	return out
}
