package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/handler"
	"github.com/SergeiKhy/campaign-redirect/internal/middleware"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/SergeiKhy/campaign-redirect/internal/service/mocks"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

type stubTrigger struct {
	err   error
	calls []int64
}

func (s *stubTrigger) ReconcileNow(ctx context.Context, campaignID int64) error {
	s.calls = append(s.calls, campaignID)
	return s.err
}

type testEnv struct {
	router  *gin.Engine
	store   *mocks.Store
	trigger *stubTrigger
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := guard.New(nil, nil)
	store := mocks.NewStore(g)
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	cache := mocks.NewMockCampaignCache()
	trigger := &stubTrigger{}

	dispatcher := service.NewWeightedDispatcher(store.URLs(), nil, nil)
	methodRouter := service.NewRedirectMethodRouter(service.NewSyncMethodRecorder(store.Counters()), clk, nil, nil)
	redirect := service.NewRedirectService(store.Campaigns(), cache, time.Minute, dispatcher, methodRouter, nil)
	admin := service.NewAdminService(service.AdminDeps{
		URLs:       store.URLs(),
		Campaigns:  store.Campaigns(),
		Ledger:     store.Ledger(),
		Counters:   store.Counters(),
		Cache:      cache,
		Guard:      g,
		Reconciler: trigger,
	}, nil)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 1000})
	t.Cleanup(rl.Stop)

	router := handler.NewRouter(handler.RouterDeps{
		Redirect:    redirect,
		Admin:       admin,
		RateLimiter: rl,
		APIKey:      middleware.RequireAPIKey(map[string]string{testAPIKey: "ops"}),
		Metrics:     handler.MetricsHandler(),
	}, nil)

	return &testEnv{router: router, store: store, trigger: trigger}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// TestRedirect_Direct проверяет 302 на единственную ссылку и учёт клика
func TestRedirect_Direct(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})
	u := env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 2, Status: models.URLStatusActive})

	w := env.do(http.MethodGet, "/r/1", nil)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/a", w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, int64(1), env.store.URL(u.ID).Clicks)
}

// TestRedirect_Exhausted проверяет 410 после исчерпания квоты
func TestRedirect_Exhausted(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})
	env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 1, Status: models.URLStatusActive})

	assert.Equal(t, http.StatusFound, env.do(http.MethodGet, "/r/1", nil).Code)
	assert.Equal(t, http.StatusGone, env.do(http.MethodGet, "/r/1", nil).Code)
}

// TestRedirect_Errors проверяет коды ответа для некорректной и неизвестной кампании
func TestRedirect_Errors(t *testing.T) {
	env := setupRouter(t)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/r/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/r/42", nil).Code)
}

// TestRedirect_WrappedMethod проверяет страницу meta refresh для метода-обёртки
func TestRedirect_WrappedMethod(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{
		ID:                            1,
		Multiplier:                    decimal.NewFromInt(1),
		RedirectMethodRotationEnabled: true,
		EnabledRedirectMethods:        []string{"google"},
	})
	env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a?b=1", OriginalClickLimit: 5, Status: models.URLStatusActive})

	w := env.do(http.MethodGet, "/r/1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Body.String(), `http-equiv="refresh"`)
	assert.Contains(t, w.Body.String(), "https://www.google.com/url?q=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1")
}

// TestAdmin_RequiresAPIKey проверяет, что админские маршруты закрыты ключом, а health нет
func TestAdmin_RequiresAPIKey(t *testing.T) {
	env := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/1/spend", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestAdmin_SetOriginalClickLimit проверяет пересчёт click_limit через HTTP
func TestAdmin_SetOriginalClickLimit(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.RequireFromString("1.5")})
	u := env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 100})

	w := env.do(http.MethodPut, "/api/v1/urls/1/original-click-limit", gin.H{"original_click_limit": 200})

	require.Equal(t, http.StatusOK, w.Code)
	var got models.URL
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(300), got.ClickLimit)
	assert.Equal(t, int64(300), env.store.URL(u.ID).ClickLimit)

	w = env.do(http.MethodPut, "/api/v1/urls/1/original-click-limit", gin.H{"original_click_limit": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/v1/urls/99/original-click-limit", gin.H{"original_click_limit": 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestAdmin_SaveURLKeepsQuota проверяет, что запись синхронизации не меняет квоту
func TestAdmin_SaveURLKeepsQuota(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})
	u := env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 100})

	w := env.do(http.MethodPut, "/api/v1/urls/1", gin.H{
		"target_url":  "https://example.com/b",
		"click_limit": 5,
	})

	require.Equal(t, http.StatusOK, w.Code)
	stored := env.store.URL(u.ID)
	assert.Equal(t, "https://example.com/b", stored.TargetURL)
	assert.Equal(t, int64(100), stored.ClickLimit)
}

// TestAdmin_SetMultiplier проверяет пересчёт всех ссылок кампании
func TestAdmin_SetMultiplier(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})
	a := env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 100})
	b := env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/b", OriginalClickLimit: 7})

	w := env.do(http.MethodPut, "/api/v1/campaigns/1/multiplier", gin.H{"multiplier": "1.5"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"urls":2`)
	assert.Equal(t, int64(150), env.store.URL(a.ID).ClickLimit)
	assert.Equal(t, int64(11), env.store.URL(b.ID).ClickLimit)

	w = env.do(http.MethodPut, "/api/v1/campaigns/1/multiplier", gin.H{"multiplier": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestAdmin_SpendStatusAndReconcile проверяет сводку расходов и ручной запуск сверки
func TestAdmin_SpendStatusAndReconcile(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1), SpendState: models.SpendStateLow})

	w := env.do(http.MethodGet, "/api/v1/campaigns/1/spend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"spend_state":"low_spend"`)

	w = env.do(http.MethodPost, "/api/v1/campaigns/1/reconcile", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, env.trigger.calls)

	env.trigger.err = service.ErrTickInProgress
	w = env.do(http.MethodPost, "/api/v1/campaigns/1/reconcile", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/campaigns/7/spend", nil).Code)
}

// TestAdmin_MethodStats проверяет счётчики методов после редиректа
func TestAdmin_MethodStats(t *testing.T) {
	env := setupRouter(t)
	env.store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})
	env.store.AddURL(models.URL{CampaignID: 1, TargetURL: "https://example.com/a", OriginalClickLimit: 5, Status: models.URLStatusActive})

	env.do(http.MethodGet, "/r/1", nil)
	env.do(http.MethodGet, "/r/1", nil)

	w := env.do(http.MethodGet, "/api/v1/urls/1/methods", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var counters []models.RedirectMethodCounter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counters))
	require.Len(t, counters, 1)
	assert.Equal(t, models.MethodDirect, counters[0].Method)
	assert.Equal(t, int64(2), counters[0].Count)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// TestHealth_ReportsFailingDependency проверяет 503 при недоступной зависимости
func TestHealth_ReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := handler.NewRouter(handler.RouterDeps{
		Probes: map[string]handler.Pinger{
			"postgres": pingerFunc(func(ctx context.Context) error { return nil }),
			"redis":    pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
		},
	}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, w.Body.String(), `"redis":"connection refused"`)
}
