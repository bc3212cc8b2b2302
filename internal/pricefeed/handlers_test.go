package pricefeed

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftswap/internal/logging"
)

func setupTestRouter(src Source) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	c := NewClient(src, 30*time.Second, WithLogger(logging.Discard()))
	NewHandler(c).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestGetPrice(t *testing.T) {
	src := &fakeSource{}
	src.set("1.2345", nil)
	r := setupTestRouter(src)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/prices/coredaoorg", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "$1.23", body["price"])
	assert.Equal(t, "+0.00%", body["change"])
	assert.Equal(t, false, body["stale"])
}

func TestRefreshPrice_ServesStaleOnError(t *testing.T) {
	src := &fakeSource{}
	src.set("0.5", nil)
	r := setupTestRouter(src)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/prices/coredaoorg", nil))
	require.Equal(t, http.StatusOK, w.Code)

	src.set("", errors.New("rate limited"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/prices/coredaoorg/refresh", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["stale"])
	assert.Contains(t, body["error"], "rate limited")
}

func TestGetPrice_Unavailable(t *testing.T) {
	src := &fakeSource{}
	src.set("", errors.New("down"))
	r := setupTestRouter(src)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/prices/coredaoorg", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
