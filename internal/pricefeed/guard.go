package pricefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/giftswap/internal/circuitbreaker"
)

// Guard wraps src so that an upstream failing repeatedly is skipped for
// the breaker's cool-down instead of being hit on every refresh. Unknown
// tokens are the caller's mistake and do not trip the breaker.
func Guard(src Source, breaker *circuitbreaker.Breaker, upstream string) Source {
	return &guardedSource{src: src, breaker: breaker, upstream: upstream}
}

type guardedSource struct {
	src      Source
	breaker  *circuitbreaker.Breaker
	upstream string
}

func (g *guardedSource) Fetch(ctx context.Context, tokenID string) (Quote, error) {
	var (
		q        Quote
		fetchErr error
	)
	err := g.breaker.Do(g.upstream, func() error {
		q, fetchErr = g.src.Fetch(ctx, tokenID)
		if errors.Is(fetchErr, ErrNotFound) {
			return nil
		}
		return fetchErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Quote{}, fmt.Errorf("%w: %s circuit open", ErrUnavailable, g.upstream)
	}
	if fetchErr != nil {
		return Quote{}, fetchErr
	}
	return q, nil
}
