// Package metrics provides Prometheus instrumentation for the gift-card service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "giftswap"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PhaseTransitionsTotal counts purchase sessions entering each phase.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_phase_transitions_total",
			Help:      "Purchase phase entries by target phase.",
		},
		[]string{"phase"},
	)

	// ActiveSessions tracks purchase sessions held in memory.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "purchase_active_sessions",
		Help:      "Number of purchase sessions currently held in memory.",
	})

	// PurchaseDuration observes time from confirmation to success.
	PurchaseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "purchase_duration_seconds",
		Help:      "Time from purchase confirmation to confirmed funding.",
		Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
	})

	// PaymentTimeoutsTotal counts sessions that expired waiting for payment.
	PaymentTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_payment_timeouts_total",
		Help:      "Purchases that reached the end of the payment window unpaid.",
	})

	// ProvisioningAttemptsTotal counts escrow creation attempts by result
	// (success, transient, fatal).
	ProvisioningAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_provisioning_attempts_total",
			Help:      "Escrow provisioning attempts by result.",
		},
		[]string{"result"},
	)

	// ConfirmationsTotal counts funding confirmations by the channel that
	// won the race (push or poll).
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_confirmations_total",
			Help:      "Escrow funding confirmations by winning channel.",
		},
		[]string{"channel"},
	)

	// DuplicateConfirmationsTotal counts funded signals dropped by the latch.
	DuplicateConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_duplicate_confirmations_total",
			Help:      "Funding signals ignored because the purchase was already confirmed.",
		},
		[]string{"channel"},
	)

	// FundingSubscriptionsTotal counts push-channel subscription lifecycle
	// events (established, failed, dropped).
	FundingSubscriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_funding_subscriptions_total",
			Help:      "Funding log subscription events by result.",
		},
		[]string{"result"},
	)

	// StatusPollsTotal counts escrow status polls by result.
	StatusPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_status_polls_total",
			Help:      "Escrow status polls by result (funded, pending, error).",
		},
		[]string{"result"},
	)

	// VoucherDispatchTotal counts voucher deliveries by outcome.
	VoucherDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_dispatch_total",
			Help:      "Voucher email dispatches by outcome (sent, failed).",
		},
		[]string{"outcome"},
	)

	// PriceFetchesTotal counts upstream price requests by result.
	PriceFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fetches_total",
			Help:      "Upstream price quote fetches by result.",
		},
		[]string{"result"},
	)

	// TokenPriceUSD tracks the last fetched USD price per token id.
	TokenPriceUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_price_usd",
			Help:      "Last fetched USD price by token id.",
		},
		[]string{"token"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429 by route.",
		},
		[]string{"route"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PhaseTransitionsTotal,
		ActiveSessions,
		PurchaseDuration,
		PaymentTimeoutsTotal,
		ProvisioningAttemptsTotal,
		ConfirmationsTotal,
		DuplicateConfirmationsTotal,
		FundingSubscriptionsTotal,
		StatusPollsTotal,
		VoucherDispatchTotal,
		PriceFetchesTotal,
		TokenPriceUSD,
		RateLimitedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples goroutine count and, when db
// is non-nil, sql.DBStats. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
