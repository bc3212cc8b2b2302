package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(h)
	router.GET("/v1/giftcards", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/v1/giftcards", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://shop.example"}, "https://shop.example", "https://shop.example", true},
		{"trailing slash in config", []string{"https://shop.example/"}, "https://shop.example", "https://shop.example", true},
		{"unlisted origin", []string{"https://shop.example"}, "https://evil.example", "", false},
		{"explicit wildcard", []string{"*"}, "https://any.example", "*", false},
		{"empty list is open", nil, "https://any.example", "*", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware(nil), http.MethodOptions, "https://shop.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestValidateUpstreamURL(t *testing.T) {
	tests := []struct {
		url          string
		allowPrivate bool
		ok           bool
	}{
		{"https://api.coingecko.com/api/v3", false, true},
		{"http://api.coingecko.com/api/v3", false, false},
		{"https://localhost:8545", false, false},
		{"https://127.0.0.1/rpc", false, false},
		{"https://10.1.2.3/provision", false, false},
		{"https://169.254.169.254/latest", false, false},
		{"http://localhost:9000/provision", true, true},
		{"ftp://files.example", true, false},
		{"not a url", true, false},
	}
	for _, tc := range tests {
		err := ValidateUpstreamURL(tc.url, tc.allowPrivate)
		if tc.ok {
			assert.NoError(t, err, tc.url)
		} else {
			assert.Error(t, err, tc.url)
		}
	}
}
