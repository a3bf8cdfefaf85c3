package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"go.uber.org/zap"
)

// Dispatcher выбирает ссылку кампании для очередного редиректа и засчитывает клик
type Dispatcher interface {
	Pick(ctx context.Context, campaignID int64) (*models.URL, error)
}

// pickAttempts первая попытка плюс один повтор после проигранной гонки за квоту
const pickAttempts = 2

// WeightedDispatcher выбирает ссылку с вероятностью, пропорциональной оставшейся ёмкости,
// так что квоты ссылок кампании исчерпываются примерно одновременно
type WeightedDispatcher struct {
	urls    repository.URLRepository
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWeightedDispatcher(urls repository.URLRepository, m *metrics.Metrics, logger *zap.Logger) *WeightedDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeightedDispatcher{
		urls:    urls,
		metrics: m,
		logger:  logger,
	}
}

// WithSource фиксирует источник случайных чисел (детерминированные тесты)
func (d *WeightedDispatcher) WithSource(src rand.Source) *WeightedDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rnd = rand.New(src)
	return d
}

func (d *WeightedDispatcher) Pick(ctx context.Context, campaignID int64) (*models.URL, error) {
	for attempt := 0; attempt < pickAttempts; attempt++ {
		active, err := d.urls.ListByCampaign(ctx, campaignID, models.URLStatusActive)
		if err != nil {
			d.metrics.IncDispatch(metrics.DispatchError)
			return nil, fmt.Errorf("failed to load eligible urls: %w", err)
		}

		eligible := EligibleURLs(active)
		if len(eligible) == 0 {
			break
		}

		u := eligible[ChooseWeighted(eligible, d.int64n(TotalRemaining(eligible)))]

		clicks, ok, err := d.urls.TryIncrement(ctx, u.ID)
		if err != nil {
			d.metrics.IncDispatch(metrics.DispatchError)
			return nil, fmt.Errorf("failed to count click: %w", err)
		}
		if ok {
			u.Clicks = clicks
			if clicks >= u.ClickLimit {
				u.Status = models.URLStatusCompleted
			}
			d.metrics.IncDispatch(metrics.DispatchServed)
			return &u, nil
		}

		// Снимок устарел: ссылку добрали конкурентные запросы
		d.metrics.IncDispatch(metrics.DispatchRaceRetry)
		d.logger.Debug("Lost quota race, retrying pick",
			zap.Int64("campaign_id", campaignID),
			zap.Int64("url_id", u.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	d.metrics.IncDispatch(metrics.DispatchExhausted)
	return nil, ErrNoneAvailable
}

func (d *WeightedDispatcher) int64n(n int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rnd != nil {
		return d.rnd.Int64N(n)
	}
	return rand.Int64N(n)
}

// EligibleURLs активные ссылки с положительной оставшейся ёмкостью
func EligibleURLs(urls []models.URL) []models.URL {
	eligible := make([]models.URL, 0, len(urls))
	for _, u := range urls {
		if u.Status == models.URLStatusActive && u.Remaining() > 0 {
			eligible = append(eligible, u)
		}
	}
	return eligible
}

func TotalRemaining(urls []models.URL) int64 {
	var total int64
	for _, u := range urls {
		total += u.Remaining()
	}
	return total
}

// ChooseWeighted индекс ссылки, в чей отрезок накопленных весов попадает r ∈ [0, total).
// Чистая функция: ничего не меняет и не читает хранилище.
func ChooseWeighted(urls []models.URL, r int64) int {
	var cumulative int64
	for i, u := range urls {
		cumulative += u.Remaining()
		if r < cumulative {
			return i
		}
	}
	return len(urls) - 1
}
