package giftcard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	cards := Default.List()
	require.Len(t, cards, 2)
	assert.Equal(t, "AMAZON", cards[0].ID)
	assert.Equal(t, "Flipkart Gift Card", cards[1].Name)

	card, err := Default.Lookup(" amazon ")
	require.NoError(t, err)
	assert.Equal(t, "Amazon Gift Card", card.Name)

	_, err = Default.Lookup("STEAM")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestNewCatalog_IgnoresDuplicates(t *testing.T) {
	c := NewCatalog(Card{ID: "a", Name: "first"}, Card{ID: "A", Name: "second"})
	require.Len(t, c.List(), 1)
	card, _ := c.Lookup("a")
	assert.Equal(t, "first", card.Name)
}

func TestList_ReturnsCopy(t *testing.T) {
	l := Default.List()
	l[0].Name = "mutated"
	assert.Equal(t, "Amazon Gift Card", Default.List()[0].Name)
}
