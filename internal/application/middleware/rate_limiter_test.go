package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func limitedRouter(r *RateLimiter, config RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/limited", r.Middleware(ByIP, config), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func getLimited(router *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRateLimiter(client, false, zap.NewNop())
	router := limitedRouter(limiter, RateLimitConfig{Rate: 1, Burst: 2})

	assert.Equal(t, http.StatusOK, getLimited(router).Code)
	assert.Equal(t, http.StatusOK, getLimited(router).Code)

	w := getLimited(router)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimiter_SetsRateHeaders(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRateLimiter(client, false, zap.NewNop())
	router := limitedRouter(limiter, RateLimitConfig{Rate: 5, Burst: 10})

	w := getLimited(router)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_RedisUnavailable(t *testing.T) {
	t.Run("fail open lets the request through", func(t *testing.T) {
		mr, client := newTestRedis(t)
		limiter := NewRateLimiter(client, true, zap.NewNop())
		router := limitedRouter(limiter, DefaultConfig)
		mr.Close()

		assert.Equal(t, http.StatusOK, getLimited(router).Code)
	})

	t.Run("fail closed rejects the request", func(t *testing.T) {
		mr, client := newTestRedis(t)
		limiter := NewRateLimiter(client, false, zap.NewNop())
		router := limitedRouter(limiter, DefaultConfig)
		mr.Close()

		assert.Equal(t, http.StatusServiceUnavailable, getLimited(router).Code)
	})
}

func TestRateLimiterKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/purchases", nil)
	c.Request.RemoteAddr = "10.0.0.7:1234"

	assert.Equal(t, "ip:10.0.0.7", ByIP(c))
	assert.Equal(t, "ip:10.0.0.7:endpoint:/v1/purchases", ByIPAndEndpoint(c))
}
