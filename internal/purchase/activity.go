package purchase

import (
	"context"
	"sync/atomic"
)

// scope groups the activities started in one phase. Cancelling it stops
// them; its epoch tags their results so the loop can drop late ones.
type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	epoch  uint64
}

// activities counts running activity goroutines across all scopes of a
// session.
type activities struct {
	running atomic.Int64
}

// spawn runs fn in its own goroutine within sc.
func (a *activities) spawn(sc *scope, fn func(ctx context.Context)) {
	a.running.Add(1)
	go func() {
		defer a.running.Add(-1)
		fn(sc.ctx)
	}()
}
