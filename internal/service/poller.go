package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TickLocker распределённая блокировка тика кампании между репликами
type TickLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type PollerConfig struct {
	Interval    time.Duration
	TickTimeout time.Duration
	Concurrency int
	LockTTL     time.Duration
}

// Poller с фиксированным интервалом прогоняет SpendReconciler по всем кампаниям,
// привязанным к биллингу. Ошибка одной кампании не останавливает остальные.
type Poller struct {
	reconciler *SpendReconciler
	campaigns  repository.CampaignRepository
	locker     TickLocker
	cfg        PollerConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPoller создаёт поллер; locker может быть nil (одна реплика)
func NewPoller(
	reconciler *SpendReconciler,
	campaigns repository.CampaignRepository,
	locker TickLocker,
	cfg PollerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultBillingTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.TickTimeout + 10*time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		reconciler: reconciler,
		campaigns:  campaigns,
		locker:     locker,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Named("poller"),
	}
}

// Start запускает цикл опроса
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("Запуск сверки расходов",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		// Первый раунд сразу после запуска
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Reconcile round failed", zap.Error(err))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					p.logger.Error("Reconcile round failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop останавливает цикл и дожидается текущего раунда
func (p *Poller) Stop() {
	p.logger.Info("Остановка сверки расходов...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Сверка расходов остановлена")
}

// RunOnce один раунд по всем кампаниям
func (p *Poller) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { p.metrics.ObserveTick(time.Since(start)) }()

	campaigns, err := p.campaigns.ListReconcilable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, c := range campaigns {
		id := c.ID
		g.Go(func() error {
			if err := p.tick(gctx, id); err != nil && !errors.Is(err, ErrTickInProgress) {
				p.metrics.IncCampaignError("tick_failed")
				p.logger.Warn("Campaign tick failed", zap.Int64("campaign_id", id), zap.Error(err))
			}
			// Ошибка одной кампании не отменяет остальные
			return nil
		})
	}

	return g.Wait()
}

// ReconcileNow внеочередной тик кампании по тем же правилам блокировки и CAS
func (p *Poller) ReconcileNow(ctx context.Context, campaignID int64) error {
	return p.tick(ctx, campaignID)
}

func (p *Poller) tick(ctx context.Context, campaignID int64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tick panicked: %v", rec)
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	defer cancel()

	if p.locker != nil {
		key := "reconcile:campaign:" + strconv.FormatInt(campaignID, 10)
		token, ok, err := p.locker.TryLock(tickCtx, key, p.cfg.LockTTL)
		if err != nil {
			// Redis недоступен: корректность держится на CAS, тик не пропускаем
			p.logger.Warn("Tick lock unavailable", zap.Int64("campaign_id", campaignID), zap.Error(err))
		} else if !ok {
			return ErrTickInProgress
		} else {
			defer func() {
				if err := p.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					p.logger.Warn("Failed to release tick lock", zap.Int64("campaign_id", campaignID), zap.Error(err))
				}
			}()
		}
	}

	return p.reconciler.Tick(tickCtx, campaignID)
}
