// Package health runs named dependency checks for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftswap/internal/pricefeed"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently, each under the registry
// timeout, and reports the aggregate plus per-subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Handler serves the aggregate as JSON: 200 when healthy, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		state := "ok"
		if !healthy {
			code = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(code, gin.H{"status": state, "checks": statuses})
	}
}

// Pinger is anything whose reachability can be probed with one call.
type Pinger func(ctx context.Context) error

// PingChecker turns a Pinger into a Checker.
func PingChecker(name string, ping Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// DBChecker reports whether the database accepts connections.
func DBChecker(db *sql.DB) Checker {
	return PingChecker("database", db.PingContext)
}

// PriceStater exposes the cached quote state for a token.
type PriceStater interface {
	State(tokenID string) pricefeed.State
}

// PriceChecker is healthy while the feed holds a fresh quote for tokenID.
// A feed that has not loaded yet is reported healthy with a detail.
func PriceChecker(feed PriceStater, tokenID string) Checker {
	return func(_ context.Context) Status {
		st := feed.State(tokenID)
		switch {
		case st.Usable():
			return Status{Name: "pricefeed", Healthy: true, Detail: fmt.Sprintf("%s fresh", tokenID)}
		case st.Quote == nil && st.Err == nil:
			return Status{Name: "pricefeed", Healthy: true, Detail: "no quote yet"}
		case st.Err != nil:
			return Status{Name: "pricefeed", Healthy: false, Detail: st.Err.Error()}
		default:
			return Status{Name: "pricefeed", Healthy: false, Detail: "quote is stale"}
		}
	}
}
