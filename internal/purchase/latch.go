package purchase

import "sync/atomic"

// fulfillmentLatch is the fulfillment-confirmed flag. It goes from false
// to true once and never back.
type fulfillmentLatch struct {
	tripped atomic.Bool
}

// trip reports whether this call flipped the latch.
func (l *fulfillmentLatch) trip() bool {
	return l.tripped.CompareAndSwap(false, true)
}

func (l *fulfillmentLatch) confirmed() bool {
	return l.tripped.Load()
}
