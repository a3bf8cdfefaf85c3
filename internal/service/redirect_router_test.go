package service_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/SergeiKhy/campaign-redirect/internal/service/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, event *models.MethodUsageEvent) error {
	return errors.New("counter store unavailable")
}

func setupRouter() (*service.RedirectMethodRouter, *mocks.Store) {
	store := mocks.NewStore(guard.New(nil, nil))
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	router := service.NewRedirectMethodRouter(service.NewSyncMethodRecorder(store.Counters()), clk, nil, nil)
	return router, store
}

// TestRoute_RotationDisabled проверяет прямой редирект при выключенной ротации
func TestRoute_RotationDisabled(t *testing.T) {
	router, store := setupRouter()
	campaign := &models.Campaign{ID: 1, EnabledRedirectMethods: []string{"google"}}
	u := &models.URL{ID: 7, TargetURL: "https://example.com/a"}

	outbound, method := router.Route(context.Background(), campaign, u)

	assert.Equal(t, "https://example.com/a", outbound)
	assert.Equal(t, models.MethodDirect, method)

	counters, err := store.Counters().GetByURL(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, models.MethodDirect, counters[0].Method)
	assert.Equal(t, int64(1), counters[0].Count)
}

// TestRoute_NoMethodsEnabled проверяет прямой редирект при пустом наборе методов
func TestRoute_NoMethodsEnabled(t *testing.T) {
	router, _ := setupRouter()
	campaign := &models.Campaign{ID: 1, RedirectMethodRotationEnabled: true}
	u := &models.URL{ID: 7, TargetURL: "https://example.com/a"}

	outbound, method := router.Route(context.Background(), campaign, u)

	assert.Equal(t, "https://example.com/a", outbound)
	assert.Equal(t, models.MethodDirect, method)
}

// TestRoute_UnknownMethodsFallBackToDirect проверяет, что неизвестные теги игнорируются
func TestRoute_UnknownMethodsFallBackToDirect(t *testing.T) {
	router, _ := setupRouter()
	campaign := &models.Campaign{ID: 1, RedirectMethodRotationEnabled: true, EnabledRedirectMethods: []string{"myspace"}}

	_, method := router.Route(context.Background(), campaign, &models.URL{ID: 7, TargetURL: "https://example.com"})

	assert.Equal(t, models.MethodDirect, method)
}

// TestRoute_WrapsAndEscapesTarget проверяет шаблон метода и экранирование целевого адреса
func TestRoute_WrapsAndEscapesTarget(t *testing.T) {
	router, store := setupRouter()
	campaign := &models.Campaign{ID: 1, RedirectMethodRotationEnabled: true, EnabledRedirectMethods: []string{"google"}}
	u := &models.URL{ID: 9, TargetURL: "https://example.com/a?b=1&c=2"}

	outbound, method := router.Route(context.Background(), campaign, u)

	assert.Equal(t, "google", method)
	assert.Equal(t, "https://www.google.com/url?q=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1%26c%3D2", outbound)

	counters, err := store.Counters().GetByURL(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, "google", counters[0].Method)
}

// TestRoute_RotatesAcrossEnabledMethods проверяет, что используются все включённые методы и только они
func TestRoute_RotatesAcrossEnabledMethods(t *testing.T) {
	router, store := setupRouter()
	router.WithSource(rand.NewPCG(7, 7))
	campaign := &models.Campaign{
		ID:                            1,
		RedirectMethodRotationEnabled: true,
		EnabledRedirectMethods:        []string{"facebook", "youtube", "linkedin"},
	}
	u := &models.URL{ID: 3, TargetURL: "https://example.com"}

	for i := 0; i < 300; i++ {
		router.Route(context.Background(), campaign, u)
	}

	counters, err := store.Counters().GetByURL(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, counters, 3)

	var total int64
	for _, c := range counters {
		assert.Contains(t, campaign.EnabledRedirectMethods, c.Method)
		assert.Greater(t, c.Count, int64(50))
		total += c.Count
	}
	assert.Equal(t, int64(300), total)
}

// TestRoute_RecorderFailureDoesNotBreakRedirect проверяет, что ошибка учёта не влияет на редирект
func TestRoute_RecorderFailureDoesNotBreakRedirect(t *testing.T) {
	router := service.NewRedirectMethodRouter(failingRecorder{}, nil, nil, nil)
	campaign := &models.Campaign{ID: 1, RedirectMethodRotationEnabled: true, EnabledRedirectMethods: []string{"youtube"}}

	outbound, method := router.Route(context.Background(), campaign, &models.URL{ID: 1, TargetURL: "https://example.com"})

	assert.Equal(t, "youtube", method)
	assert.Equal(t, "https://www.youtube.com/redirect?q=https%3A%2F%2Fexample.com", outbound)
}

// TestWrapURL_Unknown проверяет отказ для неизвестного метода
func TestWrapURL_Unknown(t *testing.T) {
	_, ok := service.WrapURL("myspace", "https://example.com")
	assert.False(t, ok)
	assert.Equal(t, []string{"facebook", "google", "linkedin", "youtube"}, service.SupportedMethods())
}

// TestMethodCounterProcessor_RecordsAsync проверяет запись событий воркерами
func TestMethodCounterProcessor_RecordsAsync(t *testing.T) {
	store := mocks.NewStore(guard.New(nil, nil))
	p := service.NewMethodCounterProcessor(store.Counters(), nil, nil, 3, 100)
	p.Start()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Record(ctx, &models.MethodUsageEvent{URLID: 5, Method: models.MethodDirect}))
	}
	p.Stop()

	counters, err := p.Stats(ctx, 5)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(20), counters[0].Count)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
