package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	billingmocks "github.com/SergeiKhy/campaign-redirect/internal/billing/mocks"
	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/SergeiKhy/campaign-redirect/internal/service/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeLocker in-memory TickLocker
type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	err   error
	locks int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.locks++
	l.held[key] = "token"
	return "token", true, nil
}

func (l *fakeLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func setupPoller(t *testing.T, locker service.TickLocker) (*service.Poller, *mocks.Store, *billingmocks.MockClient) {
	t.Helper()

	store := mocks.NewStore(guard.New(nil, nil))
	for i, ext := range []string{"ext-1", "ext-2"} {
		store.AddCampaign(models.Campaign{
			ID:                     int64(i + 1),
			ExternalCampaignID:     &ext,
			PricePerThousandClicks: dec("2"),
			Multiplier:             dec("1"),
			DailySpend:             dec("1"),
		})
	}
	// Без внешней кампании: поллер её не трогает
	store.AddCampaign(models.Campaign{ID: 3, Multiplier: dec("1")})

	billingClient := &billingmocks.MockClient{}
	reconciler := service.NewSpendReconciler(
		store.Campaigns(), store.URLs(), store.Ledger(), billingClient,
		clock.NewFake(t0), service.ReconcilerConfig{BillingTimeout: time.Second}, nil, nil,
	)
	poller := service.NewPoller(reconciler, store.Campaigns(), locker, service.PollerConfig{
		Interval:    time.Minute,
		TickTimeout: 5 * time.Second,
		Concurrency: 2,
	}, nil, nil)
	return poller, store, billingClient
}

// TestPoller_RunOnceTicksReconcilableCampaigns проверяет обход всех кампаний с биллингом
func TestPoller_RunOnceTicksReconcilableCampaigns(t *testing.T) {
	locker := newFakeLocker()
	poller, store, billingClient := setupPoller(t, locker)
	billingClient.On("GetDailySpend", mock.Anything, "ext-1", mock.Anything).Return(dec("5"), nil)
	billingClient.On("GetDailySpend", mock.Anything, "ext-2", mock.Anything).Return(dec("7"), nil)

	require.NoError(t, poller.RunOnce(context.Background()))

	assert.True(t, dec("5").Equal(store.Campaign(1).DailySpend))
	assert.True(t, dec("7").Equal(store.Campaign(2).DailySpend))
	assert.Equal(t, 2, locker.locks)
	assert.Empty(t, locker.held)
	billingClient.AssertNumberOfCalls(t, "GetDailySpend", 2)
}

// TestPoller_PanicIsolated проверяет, что падение тика одной кампании не мешает остальным
func TestPoller_PanicIsolated(t *testing.T) {
	poller, store, billingClient := setupPoller(t, nil)
	billingClient.On("GetDailySpend", mock.Anything, "ext-1", mock.Anything).
		Run(func(mock.Arguments) { panic("boom") })
	billingClient.On("GetDailySpend", mock.Anything, "ext-2", mock.Anything).Return(dec("7"), nil)

	require.NoError(t, poller.RunOnce(context.Background()))
	assert.True(t, dec("7").Equal(store.Campaign(2).DailySpend))

	err := poller.ReconcileNow(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

// TestPoller_ReconcileNowRespectsLock проверяет, что занятая блокировка не даёт второго тика
func TestPoller_ReconcileNowRespectsLock(t *testing.T) {
	locker := newFakeLocker()
	poller, _, billingClient := setupPoller(t, locker)
	billingClient.On("GetDailySpend", mock.Anything, "ext-1", mock.Anything).Return(dec("5"), nil)

	_, ok, err := locker.TryLock(context.Background(), "reconcile:campaign:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, poller.ReconcileNow(context.Background(), 1), service.ErrTickInProgress)
	billingClient.AssertNotCalled(t, "GetDailySpend", mock.Anything, "ext-1", mock.Anything)
}

// TestPoller_LockUnavailable проверяет, что недоступный Redis не останавливает сверку
func TestPoller_LockUnavailable(t *testing.T) {
	locker := newFakeLocker()
	locker.err = errors.New("connection refused")
	poller, store, billingClient := setupPoller(t, locker)
	billingClient.On("GetDailySpend", mock.Anything, "ext-1", mock.Anything).Return(dec("5"), nil)

	require.NoError(t, poller.ReconcileNow(context.Background(), 1))
	assert.True(t, dec("5").Equal(store.Campaign(1).DailySpend))
}

// TestPoller_ReconcileNowNotReconcilable проверяет кампанию без биллинга
func TestPoller_ReconcileNowNotReconcilable(t *testing.T) {
	poller, _, _ := setupPoller(t, nil)

	assert.ErrorIs(t, poller.ReconcileNow(context.Background(), 3), service.ErrNotReconcilable)
	assert.ErrorIs(t, poller.ReconcileNow(context.Background(), 42), service.ErrCampaignNotFound)
}

// TestPoller_StartStop проверяет корректную остановку фонового цикла
func TestPoller_StartStop(t *testing.T) {
	poller, _, billingClient := setupPoller(t, nil)
	billingClient.On("GetDailySpend", mock.Anything, mock.Anything, mock.Anything).Return(dec("1"), nil)

	poller.Start()
	done := make(chan struct{})
	go func() {
		poller.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

// TestPoller_FirstRoundOnStart проверяет, что первый раунд не ждёт интервала
func TestPoller_FirstRoundOnStart(t *testing.T) {
	poller, store, billingClient := setupPoller(t, nil)
	billingClient.On("GetDailySpend", mock.Anything, "ext-1", mock.Anything).Return(dec("5"), nil)
	billingClient.On("GetDailySpend", mock.Anything, "ext-2", mock.Anything).Return(dec("7"), nil)

	poller.Start()
	t.Cleanup(poller.Stop)

	assert.Eventually(t, func() bool {
		return dec("5").Equal(store.Campaign(1).DailySpend) && dec("7").Equal(store.Campaign(2).DailySpend)
	}, 2*time.Second, 10*time.Millisecond)
}
