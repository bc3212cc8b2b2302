package purchase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, 0, p.MaxRetries, "zero retries is a valid setting")
	assert.Equal(t, DefaultPolicy().PollInterval, p.PollInterval)
	assert.Equal(t, DefaultPolicy().PaymentWindow, p.PaymentWindow)

	p = Policy{MaxRetries: -3, PollInterval: time.Second}.withDefaults()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.PollInterval)

	assert.Equal(t, 4, Policy{MaxRetries: 4}.withDefaults().MaxRetries)
}
