package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/config"
	"github.com/mbd888/giftswap/internal/logging"
	"github.com/mbd888/giftswap/internal/pricefeed"
	"github.com/mbd888/giftswap/internal/purchase"
	"github.com/mbd888/giftswap/internal/voucher"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const buyer = "0x2222222222222222222222222222222222222222"

type staticPrice struct{ usd string }

func (p staticPrice) Fetch(_ context.Context, tokenID string) (pricefeed.Quote, error) {
	return pricefeed.Quote{
		TokenID:     tokenID,
		Symbol:      "core",
		PriceUSD:    decimal.RequireFromString(p.usd),
		LastUpdated: time.Now(),
		FetchedAt:   time.Now(),
	}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []voucher.Message
}

func (r *recordingSender) Send(_ context.Context, msg voucher.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []voucher.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]voucher.Message(nil), r.sent...)
}

// testConfig returns a simulator-mode config with fast purchase timings.
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		ChainID:              config.DefaultChainID,
		PriceAPIURL:          config.DefaultPriceAPIURL,
		PriceTokenID:         config.DefaultPriceTokenID,
		PriceCacheTTL:        time.Minute,
		PriceRefreshInterval: time.Minute,
		RateLimitRPM:         600,
		Purchase: config.PurchasePolicy{
			MaxRetries:    1,
			RetryBackoff:  10 * time.Millisecond,
			PollInterval:  20 * time.Millisecond,
			PaymentWindow: 5 * time.Second,
			RecheckDelay:  50 * time.Millisecond,
			GraceDelay:    50 * time.Millisecond,
			SessionTTL:    time.Minute,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	s, err := New(cfg,
		WithLogger(logging.Discard()),
		WithPriceSource(staticPrice{usd: "0.05"}),
		WithVoucherSender(sender),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.purchases.Shutdown()
		s.prices.Close()
		s.rateLimiter.Stop()
	})
	return s, sender
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.10:4000"
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) purchase.View {
	t.Helper()
	var out struct {
		Purchase purchase.View `json:"purchase"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Purchase
}

func waitForPhase(t *testing.T, s *Server, id string, phase purchase.PhaseName) purchase.View {
	t.Helper()
	var v purchase.View
	require.Eventually(t, func() bool {
		w := doJSON(t, s, http.MethodGet, "/v1/purchases/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		v = decodeView(t, w)
		return v.Phase == phase
	}, 3*time.Second, 10*time.Millisecond, "purchase never reached %s", phase)
	return v
}

func TestNew_SimulatorMode(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	assert.Equal(t, "simulator", s.mode())
	assert.Nil(t, s.rpc)
	assert.NotNil(t, s.funding, "simulator doubles as the push channel")
}

func TestNew_RejectsPrivateUpstreamInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.PriceAPIURL = "http://127.0.0.1:9000"

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICE_API_URL")
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = doJSON(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "simulator", resp.Mode)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "pricefeed", resp.Checks[0].Name)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/v1/giftcards", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestInfo(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Mode    string `json:"mode"`
		Network struct {
			ChainID int64 `json:"chainId"`
		} `json:"network"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "simulator", out.Mode)
	assert.Equal(t, int64(config.DefaultChainID), out.Network.ChainID)
}

func TestPriceRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/v1/prices/"+config.DefaultPriceTokenID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"stale":false`)
}

func TestPurchaseFlowThroughSimulator(t *testing.T) {
	s, sender := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodPost, "/v1/purchases", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeView(t, w).ID
	base := "/v1/purchases/" + id

	w = doJSON(t, s, http.MethodPost, base+"/submit", purchase.Request{
		BuyerAddress: buyer,
		Amount:       "100",
		Email:        "buyer@example.com",
		GiftCard:     "amazon",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodPost, base+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	v := waitForPhase(t, s, id, purchase.PhasePayment)
	addr := v.Payment.Escrow.Address
	require.NotEmpty(t, addr)

	w = doJSON(t, s, http.MethodGet, "/api/contract-status?contractAddress="+addr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isFulfilled":false`)

	w = doJSON(t, s, http.MethodPost, base+"/payment", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, http.MethodPost, "/api/simulator/fund", map[string]string{"contractAddress": addr})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	v = waitForPhase(t, s, id, purchase.PhaseSuccess)
	assert.Equal(t, addr, v.Success.Escrow.Address)

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.messages()[0]
	assert.Equal(t, "Amazon", msg.Brand)
	assert.Equal(t, "buyer@example.com", msg.ToEmail)
	assert.True(t, voucher.ValidCode(msg.VoucherCode))

	// Late polls must not dispatch a second voucher.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sender.messages(), 1)
}

func TestRateLimitOnConfirm(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	s, _ := newTestServer(t, cfg)

	codes := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		codes = append(codes, doJSON(t, s, http.MethodPost, "/v1/purchases", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[len(codes)-1])
	assert.Contains(t, codes, http.StatusCreated)

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, doJSON(t, s, http.MethodGet, "/v1/giftcards", nil).Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.drainDelay = 0
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/giftswap", maskDSN("postgres://app:secret@db:5432/giftswap"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestPolicyFromConfig(t *testing.T) {
	p := policyFromConfig(config.PurchasePolicy{MaxRetries: 0, PollInterval: time.Second})
	assert.Equal(t, 0, p.MaxRetries, "PURCHASE_MAX_RETRIES=0 disables retries")
	assert.Equal(t, time.Second, p.PollInterval)
	assert.Equal(t, purchase.DefaultPolicy().PaymentWindow, p.PaymentWindow)
}
