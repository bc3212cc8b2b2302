// Package pricefeed serves cached USD quotes for native tokens.
//
// A Client keeps one cache entry per token id. Reads inside the TTL never
// touch the network. A failed refresh keeps the previous quote readable
// but records the error, so callers that gate on price (the purchase
// minimum check) can refuse to proceed on a stale or errored quote.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/giftswap/internal/metrics"
)

var (
	ErrUnavailable = errors.New("pricefeed: price unavailable")
	ErrNotFound    = errors.New("pricefeed: unknown token")
	ErrClosed      = errors.New("pricefeed: client closed")
)

// DefaultFetchTimeout bounds one upstream request.
const DefaultFetchTimeout = 10 * time.Second

// Quote is a token's USD market price at a point in time.
type Quote struct {
	TokenID     string          `json:"tokenId"`
	Symbol      string          `json:"symbol"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	Change24h   decimal.Decimal `json:"change24h"`
	LastUpdated time.Time       `json:"lastUpdated"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// Source fetches a fresh quote from an upstream market-data API.
type Source interface {
	Fetch(ctx context.Context, tokenID string) (Quote, error)
}

// State is what a caller sees for one token: the last good quote (if
// any), whether it is older than the TTL, and the last refresh error.
type State struct {
	Quote   *Quote `json:"quote,omitempty"`
	Stale   bool   `json:"stale"`
	Loading bool   `json:"loading"`
	Err     error  `json:"-"`
}

// Usable reports whether the quote can gate a purchase.
func (s State) Usable() bool {
	return s.Quote != nil && !s.Stale && s.Err == nil
}

type entry struct {
	quote   *Quote
	err     error
	loading bool
}

type subscription struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is a TTL cache in front of a Source. Safe for concurrent use.
type Client struct {
	source       Source
	ttl          time.Duration
	refresh      time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[string]*subscription
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

// WithRefreshInterval sets the auto-refresh period used while subscribed.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Client) { c.refresh = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithFetchTimeout bounds a single upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) { c.fetchTimeout = d }
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client caching quotes from source for ttl.
func NewClient(source Source, ttl time.Duration, opts ...Option) *Client {
	c := &Client{
		source:       source,
		ttl:          ttl,
		refresh:      ttl,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
		now:          time.Now,
		entries:      make(map[string]*entry),
		subs:         make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Get returns the cached quote when it is younger than the TTL and
// error-free; otherwise it refreshes.
func (c *Client) Get(ctx context.Context, tokenID string) (Quote, error) {
	c.mu.RLock()
	e := c.entries[tokenID]
	if e != nil && e.quote != nil && e.err == nil && c.now().Sub(e.quote.FetchedAt) < c.ttl {
		q := *e.quote
		c.mu.RUnlock()
		return q, nil
	}
	c.mu.RUnlock()

	return c.Refresh(ctx, tokenID)
}

// Refresh fetches a new quote regardless of cache age. Concurrent
// refreshes for the same token share one upstream request, which runs
// detached from any single caller's cancellation and is bounded by the
// client's fetch timeout instead. A caller whose ctx ends stops waiting
// without affecting the cached entry.
func (c *Client) Refresh(ctx context.Context, tokenID string) (Quote, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Quote{}, ErrClosed
	}
	c.entryLocked(tokenID).loading = true
	c.mu.Unlock()

	ch := c.group.DoChan(tokenID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		q, err := c.source.Fetch(fetchCtx, tokenID)
		return c.record(tokenID, q, err)
	})

	select {
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Quote{}, res.Err
		}
		return res.Val.(Quote), nil
	}
}

// record stores the outcome of a shared fetch.
func (c *Client) record(tokenID string, q Quote, err error) (Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(tokenID)
	e.loading = false

	if err != nil {
		metrics.PriceFetchesTotal.WithLabelValues("error").Inc()
		e.err = err
		c.logger.Warn("price refresh failed", "token", tokenID, "error", err)
		if errors.Is(err, ErrNotFound) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if q.FetchedAt.IsZero() {
		q.FetchedAt = c.now()
	}
	e.quote = &q
	e.err = nil

	metrics.PriceFetchesTotal.WithLabelValues("ok").Inc()
	metrics.TokenPriceUSD.WithLabelValues(tokenID).Set(q.PriceUSD.InexactFloat64())
	return q, nil
}

// State returns the cached view for tokenID without any network access.
func (c *Client) State(tokenID string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entries[tokenID]
	if e == nil {
		return State{}
	}
	s := State{Err: e.err, Loading: e.loading}
	if e.quote != nil {
		q := *e.quote
		s.Quote = &q
		s.Stale = c.now().Sub(q.FetchedAt) >= c.ttl
	}
	return s
}

// Subscribe keeps tokenID refreshed every refresh interval until every
// returned unsubscribe func has been called. The first subscriber
// triggers an immediate fetch.
func (c *Client) Subscribe(tokenID string) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}

	sub := c.subs[tokenID]
	if sub == nil {
		ctx, cancel := context.WithCancel(context.Background())
		sub = &subscription{cancel: cancel, done: make(chan struct{})}
		c.subs[tokenID] = sub
		go c.refreshLoop(ctx, tokenID, sub.done)
	}
	sub.refs++

	var once sync.Once
	return func() {
		once.Do(func() { c.release(tokenID, sub) })
	}
}

// Subscribers returns the number of active subscriptions for tokenID.
func (c *Client) Subscribers(tokenID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sub := c.subs[tokenID]; sub != nil {
		return sub.refs
	}
	return 0
}

// Close stops every refresh loop. Cached quotes stay readable.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

func (c *Client) release(tokenID string, sub *subscription) {
	c.mu.Lock()
	sub.refs--
	last := sub.refs <= 0 && c.subs[tokenID] == sub
	if last {
		delete(c.subs, tokenID)
	}
	c.mu.Unlock()

	if last {
		sub.cancel()
		<-sub.done
	}
}

func (c *Client) refreshLoop(ctx context.Context, tokenID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.refresh)
		_, _ = c.Refresh(fetchCtx, tokenID)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) entryLocked(tokenID string) *entry {
	e := c.entries[tokenID]
	if e == nil {
		e = &entry{}
		c.entries[tokenID] = e
	}
	return e
}
