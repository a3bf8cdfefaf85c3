package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func perform(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

// TestRateLimiter_Middleware проверяет работу rate limiter middleware
func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 5,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Первые 5 запросов в пределах burst
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, perform(router, "/test", nil).Code)
	}

	w := perform(router, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

// TestRateLimiter_PerCampaign проверяет раздельные лимиты кампаний для одного IP
func TestRateLimiter_PerCampaign(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 2,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	router := gin.New()
	router.GET("/r/:campaignID", rl.MiddlewareWithKey(middleware.ByClientIPAndParam("campaignID")), func(c *gin.Context) {
		c.Status(http.StatusFound)
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusFound, perform(router, "/r/1", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, perform(router, "/r/1", nil).Code)

	// Другая кампания считается отдельно
	assert.Equal(t, http.StatusFound, perform(router, "/r/2", nil).Code)
	assert.Equal(t, 2, rl.Visitors())
}

// TestRateLimiter_MiddlewareWithKey проверяет rate limiting с кастомным ключом
func TestRateLimiter_MiddlewareWithKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 2,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.MiddlewareWithKey(func(c *gin.Context) string {
		return c.GetHeader("X-User-ID")
	}))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	user1 := map[string]string{"X-User-ID": "user1"}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, perform(router, "/test", user1).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, perform(router, "/test", user1).Code)

	assert.Equal(t, http.StatusOK, perform(router, "/test", map[string]string{"X-User-ID": "user2"}).Code)
}

func apiKeyRouter(optional bool) *gin.Engine {
	gin.SetMode(gin.TestMode)

	ak := middleware.NewAPIKey(middleware.APIKeyConfig{
		ValidKeys: map[string]string{
			"test-key-1": "ops",
			"test-key-2": "sync-job",
		},
		Optional: optional,
	})

	router := gin.New()
	router.Use(ak.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"validated": middleware.IsAPIKeyValidated(c),
			"name":      middleware.KeyNameFromContext(c),
		})
	})
	return router
}

// TestAPIKey_Middleware проверяет аутентификацию по API ключу
func TestAPIKey_Middleware(t *testing.T) {
	router := apiKeyRouter(false)

	assert.Equal(t, http.StatusUnauthorized, perform(router, "/test", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, perform(router, "/test", map[string]string{"X-API-Key": "invalid-key"}).Code)

	w := perform(router, "/test", map[string]string{"X-API-Key": "test-key-2"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"sync-job"`)
}

// TestAPIKey_Middleware_Optional проверяет опциональную аутентификацию
func TestAPIKey_Middleware_Optional(t *testing.T) {
	router := apiKeyRouter(true)

	w := perform(router, "/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"validated":false`)

	w = perform(router, "/test", map[string]string{"X-API-Key": "test-key-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"validated":true`)
}

// TestAPIKey_Middleware_BearerToken проверяет передачу API ключа через Bearer токен
func TestAPIKey_Middleware_BearerToken(t *testing.T) {
	router := apiKeyRouter(false)

	w := perform(router, "/test", map[string]string{"Authorization": "Bearer test-key-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"ops"`)
}

// TestAPIKey_Middleware_QueryParamIgnored проверяет, что ключ в query не принимается
func TestAPIKey_Middleware_QueryParamIgnored(t *testing.T) {
	router := apiKeyRouter(false)

	assert.Equal(t, http.StatusUnauthorized, perform(router, "/test?api_key=test-key-1", nil).Code)
}
