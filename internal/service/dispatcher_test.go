package service_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/SergeiKhy/campaign-redirect/internal/service/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDispatchStore создаёт хранилище с кампанией (множитель 1) и ссылками заданной ёмкости
func newDispatchStore(capacities ...int64) (*mocks.Store, []int64) {
	store := mocks.NewStore(guard.New(nil, nil))
	store.AddCampaign(models.Campaign{ID: 1, Multiplier: decimal.NewFromInt(1)})

	ids := make([]int64, 0, len(capacities))
	for _, capacity := range capacities {
		u := models.URL{CampaignID: 1, TargetURL: "https://example.com/x", OriginalClickLimit: 1000, ClickLimit: 1000}
		u.Clicks = u.ClickLimit - capacity
		ids = append(ids, store.AddURL(u).ID)
	}
	return store, ids
}

// TestChooseWeighted_Boundaries проверяет попадание в отрезки накопленных весов
func TestChooseWeighted_Boundaries(t *testing.T) {
	urls := []models.URL{
		{ID: 1, ClickLimit: 100},
		{ID: 2, ClickLimit: 300},
	}

	assert.Equal(t, 0, service.ChooseWeighted(urls, 0))
	assert.Equal(t, 0, service.ChooseWeighted(urls, 99))
	assert.Equal(t, 1, service.ChooseWeighted(urls, 100))
	assert.Equal(t, 1, service.ChooseWeighted(urls, 399))
}

// TestEligibleURLs_SkipsExhaustedAndInactive проверяет фильтр кандидатов
func TestEligibleURLs_SkipsExhaustedAndInactive(t *testing.T) {
	urls := []models.URL{
		{ID: 1, Status: models.URLStatusActive, ClickLimit: 10, Clicks: 3},
		{ID: 2, Status: models.URLStatusActive, ClickLimit: 10, Clicks: 10},
		{ID: 3, Status: models.URLStatusPaused, ClickLimit: 10},
		{ID: 4, Status: models.URLStatusActive, ClickLimit: 5},
	}

	eligible := service.EligibleURLs(urls)

	require.Len(t, eligible, 2)
	assert.Equal(t, int64(1), eligible[0].ID)
	assert.Equal(t, int64(4), eligible[1].ID)
	assert.Equal(t, int64(12), service.TotalRemaining(eligible))
}

// TestChooseWeighted_Fairness проверяет соотношение выборов ≈1:3 для ёмкостей [100, 0, 300]
func TestChooseWeighted_Fairness(t *testing.T) {
	urls := service.EligibleURLs([]models.URL{
		{ID: 1, Status: models.URLStatusActive, ClickLimit: 100},
		{ID: 2, Status: models.URLStatusActive, ClickLimit: 50, Clicks: 50},
		{ID: 3, Status: models.URLStatusActive, ClickLimit: 300},
	})
	total := service.TotalRemaining(urls)
	rnd := rand.New(rand.NewPCG(42, 1024))

	picks := map[int64]int{}
	const draws = 200000
	for i := 0; i < draws; i++ {
		picks[urls[service.ChooseWeighted(urls, rnd.Int64N(total))].ID]++
	}

	assert.Zero(t, picks[2])
	ratio := float64(picks[3]) / float64(picks[1])
	assert.InDelta(t, 3.0, ratio, 0.1)
}

// TestWeightedDispatcher_NeverPicksExhausted проверяет, что ссылка без ёмкости не выбирается,
// а квоты остальных расходуются полностью
func TestWeightedDispatcher_NeverPicksExhausted(t *testing.T) {
	store, ids := newDispatchStore(100, 0, 300)
	d := service.NewWeightedDispatcher(store.URLs(), nil, nil).WithSource(rand.NewPCG(1, 2))
	ctx := context.Background()

	served := map[int64]int{}
	for i := 0; i < 400; i++ {
		u, err := d.Pick(ctx, 1)
		require.NoError(t, err)
		served[u.ID]++
	}

	assert.Equal(t, 100, served[ids[0]])
	assert.Zero(t, served[ids[1]])
	assert.Equal(t, 300, served[ids[2]])

	_, err := d.Pick(ctx, 1)
	assert.ErrorIs(t, err, service.ErrNoneAvailable)

	for _, id := range ids {
		u := store.URL(id)
		assert.Equal(t, u.ClickLimit, u.Clicks)
	}
	assert.Equal(t, models.URLStatusCompleted, store.URL(ids[0]).Status)
}

// TestWeightedDispatcher_EmptyCampaign проверяет ErrNoneAvailable без ссылок
func TestWeightedDispatcher_EmptyCampaign(t *testing.T) {
	store, _ := newDispatchStore()
	d := service.NewWeightedDispatcher(store.URLs(), nil, nil)

	u, err := d.Pick(context.Background(), 1)

	assert.Nil(t, u)
	assert.True(t, errors.Is(err, service.ErrNoneAvailable))
}

// TestWeightedDispatcher_RetriesOnceAfterLostRace проверяет повтор выбора после проигранной гонки
func TestWeightedDispatcher_RetriesOnceAfterLostRace(t *testing.T) {
	store, ids := newDispatchStore(10, 10)
	var stolen atomic.Int64
	store.BeforeIncrement = func(urlID int64) {
		// Конкурент забирает остаток выбранной ссылки только в первый раз
		if stolen.CompareAndSwap(0, urlID) {
			store.SetClicks(urlID, 1000)
		}
	}
	d := service.NewWeightedDispatcher(store.URLs(), nil, nil)

	u, err := d.Pick(context.Background(), 1)

	require.NoError(t, err)
	assert.NotEqual(t, stolen.Load(), u.ID)
	assert.Contains(t, ids, u.ID)
	assert.Equal(t, int64(991), u.Clicks)
}

// TestWeightedDispatcher_GivesUpAfterSecondLostRace проверяет, что повтор только один
func TestWeightedDispatcher_GivesUpAfterSecondLostRace(t *testing.T) {
	store, ids := newDispatchStore(10, 10, 10)
	var attempts atomic.Int32
	store.BeforeIncrement = func(urlID int64) {
		attempts.Add(1)
		store.SetClicks(urlID, 1000)
	}
	d := service.NewWeightedDispatcher(store.URLs(), nil, nil)

	_, err := d.Pick(context.Background(), 1)

	assert.ErrorIs(t, err, service.ErrNoneAvailable)
	assert.Equal(t, int32(2), attempts.Load())

	active := 0
	for _, id := range ids {
		if store.URL(id).Status == models.URLStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

// TestWeightedDispatcher_ConcurrentQuota проверяет, что при N > k конкурентных запросах
// засчитываются ровно k кликов
func TestWeightedDispatcher_ConcurrentQuota(t *testing.T) {
	store, ids := newDispatchStore(50)
	d := service.NewWeightedDispatcher(store.URLs(), nil, nil)

	const requests = 200
	var served, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Pick(context.Background(), 1)
			switch {
			case err == nil:
				served.Add(1)
			case errors.Is(err, service.ErrNoneAvailable):
				exhausted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), served.Load())
	assert.Equal(t, int32(requests-50), exhausted.Load())

	u := store.URL(ids[0])
	assert.Equal(t, u.ClickLimit, u.Clicks)
	assert.Equal(t, models.URLStatusCompleted, u.Status)
}
