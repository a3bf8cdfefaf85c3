package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/billing"
	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Операции биллинга (метка метрики)
const (
	opGetDailySpend  = "get_daily_spend"
	opSetDailyBudget = "set_daily_budget"
	opSetScheduleEnd = "set_schedule_end"
	opSetActive      = "set_active"
)

const (
	DefaultSpendThreshold = 10
	DefaultNewURLGrace    = 9 * time.Minute
	DefaultBillingTimeout = 30 * time.Second
	DefaultClaimTTL       = 2 * time.Minute
)

type ReconcilerConfig struct {
	SpendThreshold decimal.Decimal
	// NewURLGrace сколько должна прожить самая новая догоняющая ссылка перед учётом пакета
	NewURLGrace time.Duration
	// BillingTimeout ограничение на каждый вызов биллинга
	BillingTimeout time.Duration
	// ClaimTTL сколько держится захват кампании, если тик упал, не сняв его
	ClaimTTL time.Duration
}

// SpendReconciler машина состояний сверки расходов кампании:
// low_spend → high_spend → waiting → budget_updated, waiting → update_failed при ошибке биллинга,
// budget_updated/update_failed/waiting → low_spend, когда траты опускаются ниже порога.
//
// Каждый переход выполняется CAS по (spend_state, state_version). Перед любым вызовом,
// меняющим бюджет во внешнем биллинге, тик захватывает кампанию: увеличивает версию и
// выставляет claimed_until. Перекрывающийся тик либо проигрывает CAS, либо видит захват
// и пропускает кампанию, поэтому бюджет вычисляет только один из них.
type SpendReconciler struct {
	campaigns repository.CampaignRepository
	urls      repository.URLRepository
	ledger    repository.BudgetLedgerRepository
	billing   billing.Client
	clock     clock.Clock
	cfg       ReconcilerConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewSpendReconciler(
	campaigns repository.CampaignRepository,
	urls repository.URLRepository,
	ledger repository.BudgetLedgerRepository,
	billingClient billing.Client,
	clk clock.Clock,
	cfg ReconcilerConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SpendReconciler {
	if cfg.SpendThreshold.IsZero() {
		cfg.SpendThreshold = decimal.NewFromInt(DefaultSpendThreshold)
	}
	if cfg.NewURLGrace <= 0 {
		cfg.NewURLGrace = DefaultNewURLGrace
	}
	if cfg.BillingTimeout <= 0 {
		cfg.BillingTimeout = DefaultBillingTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SpendReconciler{
		campaigns: campaigns,
		urls:      urls,
		ledger:    ledger,
		billing:   billingClient,
		clock:     clk,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("reconciler"),
	}
}

// Tick один шаг сверки кампании. Ошибки биллинга превращаются в переходы состояния
// и ошибкой не возвращаются; ошибка означает, что тик нужно повторить позже.
func (r *SpendReconciler) Tick(ctx context.Context, campaignID int64) error {
	c, err := r.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return ErrCampaignNotFound
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if !c.HasExternalCampaign() {
		return ErrNotReconcilable
	}

	now := r.clock.Now()
	if c.Claimed(now) {
		r.logger.Debug("Campaign is being reconciled by another tick", zap.Int64("campaign_id", c.ID))
		return nil
	}

	spend, err := r.dailySpend(ctx, c, now)
	if err != nil {
		// Без свежих трат решения о переходах не принимаются, кроме наступившего расчёта
		if c.SpendState == models.SpendStateWaiting && r.cooldownElapsed(c, now) {
			return r.fail(ctx, c, now, err)
		}
		r.metrics.IncCampaignError("spend_unavailable")
		r.logger.Warn("Daily spend unavailable, tick skipped",
			zap.Int64("campaign_id", c.ID),
			zap.String("state", string(c.SpendState)),
			zap.Error(err),
		)
		return nil
	}

	if !spend.Equal(c.DailySpend) {
		if err := r.campaigns.UpdateDailySpend(ctx, c.ID, spend); err != nil {
			return err
		}
		c.DailySpend = spend
	}

	high := spend.GreaterThanOrEqual(r.cfg.SpendThreshold)

	switch c.SpendState {
	case models.SpendStateLow:
		if !high {
			return nil
		}
		ok, err := r.transition(ctx, c, models.SpendStateHigh, &now)
		if err != nil || !ok {
			return err
		}
		// high_spend → waiting в том же тике; окно отсчитывается от обнаружения
		_, err = r.transition(ctx, c, models.SpendStateWaiting, nil)
		return err

	case models.SpendStateHigh:
		if !high {
			_, err := r.reset(ctx, c, now)
			return err
		}
		_, err := r.transition(ctx, c, models.SpendStateWaiting, nil)
		return err

	case models.SpendStateWaiting:
		if !high {
			_, err := r.reset(ctx, c, now)
			return err
		}
		if !r.cooldownElapsed(c, now) {
			return nil
		}
		return r.computeBudget(ctx, c, now)

	case models.SpendStateUpdateFailed:
		if !high {
			_, err := r.reset(ctx, c, now)
			return err
		}
		return r.computeBudget(ctx, c, now)

	case models.SpendStateBudgetUpdated:
		if !high {
			_, err := r.reset(ctx, c, now)
			return err
		}
		return r.foldLateURLs(ctx, c, now)

	default:
		return fmt.Errorf("unknown spend state %q", c.SpendState)
	}
}

func (r *SpendReconciler) cooldownElapsed(c *models.Campaign, now time.Time) bool {
	return now.Sub(c.SpendStateChangedAt) >= c.WaitDuration()
}

// computeBudget полный расчёт: бюджет = траты за день + стоимость оставшихся кликов
// активных ссылок, ещё не учтённых в журнале цикла
func (r *SpendReconciler) computeBudget(ctx context.Context, c *models.Campaign, now time.Time) error {
	from := c.SpendState
	if ok, err := r.claim(ctx, c, now); err != nil || !ok {
		return err
	}

	active, err := r.urls.ListByCampaign(ctx, c.ID, models.URLStatusActive)
	if err != nil {
		r.release(ctx, c)
		return fmt.Errorf("failed to load active urls: %w", err)
	}
	logged, err := r.loggedURLs(ctx, c.ID)
	if err != nil {
		r.release(ctx, c)
		return err
	}

	var remainingClicks int64
	entries := make([]models.BudgetLedgerEntry, 0, len(active))
	for _, u := range active {
		if _, ok := logged[u.ID]; ok || u.Remaining() <= 0 {
			continue
		}
		remainingClicks += u.Remaining()
		entries = append(entries, models.BudgetLedgerEntry{
			CampaignID:        c.ID,
			URLID:             u.ID,
			ContributedAmount: models.ContributionFor(u.Remaining(), c.PricePerThousandClicks),
			LoggedAt:          now,
		})
	}

	budget := c.DailySpend.Add(models.ContributionFor(remainingClicks, c.PricePerThousandClicks))

	if err := r.pushBudget(ctx, c, budget, now); err != nil {
		return r.fail(ctx, c, now, err)
	}

	committed, err := r.ledger.CommitBudget(ctx, models.BudgetCommit{
		CampaignID: c.ID,
		Version:    c.StateVersion,
		From:       from,
		Budget:     budget,
		Entries:    entries,
		At:         now,
		SetCalcAt:  true,
	})
	if err != nil {
		r.release(ctx, c)
		return fmt.Errorf("failed to commit budget: %w", err)
	}
	if !committed {
		r.logger.Warn("Budget commit lost to a concurrent tick", zap.Int64("campaign_id", c.ID))
		return nil
	}
	r.metrics.IncSpendTransition(string(from), string(models.SpendStateBudgetUpdated))

	r.logger.Info("Campaign budget updated",
		zap.Int64("campaign_id", c.ID),
		zap.String("budget", budget.StringFixed(2)),
		zap.Int64("remaining_clicks", remainingClicks),
		zap.Int("urls", len(entries)),
	)

	r.activate(ctx, c)
	return nil
}

// foldLateURLs догоняющий учёт ссылок, созданных после расчёта. Пакет учитывается,
// когда самой новой ссылке исполнилось NewURLGrace; каждая ссылка идёт в бюджет
// полным click_limit, даже если успела завершиться внутри окна.
func (r *SpendReconciler) foldLateURLs(ctx context.Context, c *models.Campaign, now time.Time) error {
	if c.BudgetCalcAt == nil {
		return nil
	}

	late, err := r.urls.ListLateUnaccounted(ctx, c.ID, *c.BudgetCalcAt)
	if err != nil {
		return fmt.Errorf("failed to load late urls: %w", err)
	}
	if len(late) == 0 {
		return nil
	}

	newest := late[0].CreatedAt
	for _, u := range late[1:] {
		if u.CreatedAt.After(newest) {
			newest = u.CreatedAt
		}
	}
	if now.Sub(newest) < r.cfg.NewURLGrace {
		return nil
	}

	if ok, err := r.claim(ctx, c, now); err != nil || !ok {
		return err
	}

	increment := decimal.Zero
	entries := make([]models.BudgetLedgerEntry, 0, len(late))
	for _, u := range late {
		logged, err := r.ledger.HasLogged(ctx, c.ID, u.ID)
		if err != nil {
			r.release(ctx, c)
			return fmt.Errorf("failed to check ledger: %w", err)
		}
		if logged {
			continue
		}
		amount := models.ContributionFor(u.ClickLimit, c.PricePerThousandClicks)
		increment = increment.Add(amount)
		entries = append(entries, models.BudgetLedgerEntry{
			CampaignID:        c.ID,
			URLID:             u.ID,
			ContributedAmount: amount,
			LoggedAt:          now,
		})
	}

	if len(entries) == 0 {
		r.release(ctx, c)
		return nil
	}

	base := c.DailySpend
	if c.CurrentBudget != nil {
		base = *c.CurrentBudget
	}
	budget := base.Add(increment)

	if err := r.pushBudget(ctx, c, budget, now); err != nil {
		// Полный пересчёт здесь потерял бы уже выставленный бюджет: остаёмся
		// в budget_updated, пакет повторится следующим тиком
		r.release(ctx, c)
		r.metrics.IncCampaignError("late_batch_failed")
		r.logger.Warn("Late url budget increment failed",
			zap.Int64("campaign_id", c.ID),
			zap.Int("urls", len(late)),
			zap.Error(err),
		)
		return nil
	}

	committed, err := r.ledger.CommitBudget(ctx, models.BudgetCommit{
		CampaignID: c.ID,
		Version:    c.StateVersion,
		From:       models.SpendStateBudgetUpdated,
		Budget:     budget,
		Entries:    entries,
		At:         now,
	})
	if err != nil {
		r.release(ctx, c)
		return fmt.Errorf("failed to commit late urls: %w", err)
	}
	if !committed {
		r.logger.Warn("Late url commit lost to a concurrent tick", zap.Int64("campaign_id", c.ID))
		return nil
	}

	r.logger.Info("Late urls folded into budget",
		zap.Int64("campaign_id", c.ID),
		zap.String("increment", increment.StringFixed(2)),
		zap.String("budget", budget.StringFixed(2)),
		zap.Int("urls", len(entries)),
	)
	return nil
}

func (r *SpendReconciler) loggedURLs(ctx context.Context, campaignID int64) (map[int64]struct{}, error) {
	entries, err := r.ledger.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	logged := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		logged[e.URLID] = struct{}{}
	}
	return logged, nil
}

// pushBudget выставляет дневной бюджет и продлевает расписание до конца дня UTC
func (r *SpendReconciler) pushBudget(ctx context.Context, c *models.Campaign, budget decimal.Decimal, now time.Time) error {
	ext := *c.ExternalCampaignID

	err := r.callBilling(ctx, opSetDailyBudget, func(ctx context.Context) error {
		return r.billing.SetDailyBudget(ctx, ext, budget)
	})
	if err != nil {
		return err
	}

	return r.callBilling(ctx, opSetScheduleEnd, func(ctx context.Context) error {
		return r.billing.SetScheduleEnd(ctx, ext, clock.EndOfDayUTC(now))
	})
}

func (r *SpendReconciler) activate(ctx context.Context, c *models.Campaign) {
	ext := *c.ExternalCampaignID
	err := r.callBilling(ctx, opSetActive, func(ctx context.Context) error {
		return r.billing.SetActive(ctx, ext, true)
	})
	if err != nil {
		r.logger.Warn("Failed to activate campaign after budget update",
			zap.Int64("campaign_id", c.ID),
			zap.Error(err),
		)
	}
}

func (r *SpendReconciler) dailySpend(ctx context.Context, c *models.Campaign, now time.Time) (decimal.Decimal, error) {
	var spend decimal.Decimal
	err := r.callBilling(ctx, opGetDailySpend, func(ctx context.Context) error {
		var err error
		spend, err = r.billing.GetDailySpend(ctx, *c.ExternalCampaignID, now)
		return err
	})
	return spend, err
}

// callBilling вызов биллинга с таймаутом; любая ошибка приводится к ErrBillingCallFailed
func (r *SpendReconciler) callBilling(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.BillingTimeout)
	defer cancel()

	err := fn(callCtx)
	r.metrics.IncBillingCall(op, err)
	if err != nil && !errors.Is(err, billing.ErrBillingCallFailed) {
		err = fmt.Errorf("%w: %s: %v", billing.ErrBillingCallFailed, op, err)
	}
	return err
}

// claim захватывает кампанию перед изменением бюджета: CAS в то же состояние с новой версией
func (r *SpendReconciler) claim(ctx context.Context, c *models.Campaign, now time.Time) (bool, error) {
	until := now.Add(r.cfg.ClaimTTL)
	ok, err := r.campaigns.TransitionSpendState(ctx, models.SpendTransition{
		CampaignID: c.ID,
		From:       c.SpendState,
		Version:    c.StateVersion,
		To:         c.SpendState,
		ClaimUntil: &until,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Debug("Campaign claimed by a concurrent tick", zap.Int64("campaign_id", c.ID))
		return false, nil
	}
	c.StateVersion++
	c.ClaimedUntil = &until
	return true, nil
}

// release снимает захват без смены состояния; при неудаче захват истечёт по ClaimTTL
func (r *SpendReconciler) release(ctx context.Context, c *models.Campaign) {
	ok, err := r.campaigns.TransitionSpendState(context.WithoutCancel(ctx), models.SpendTransition{
		CampaignID: c.ID,
		From:       c.SpendState,
		Version:    c.StateVersion,
		To:         c.SpendState,
	})
	if err != nil || !ok {
		r.logger.Warn("Failed to release campaign claim", zap.Int64("campaign_id", c.ID), zap.Error(err))
		return
	}
	c.StateVersion++
	c.ClaimedUntil = nil
}

func (r *SpendReconciler) transition(ctx context.Context, c *models.Campaign, to models.SpendState, changedAt *time.Time) (bool, error) {
	from := c.SpendState
	ok, err := r.campaigns.TransitionSpendState(ctx, models.SpendTransition{
		CampaignID: c.ID,
		From:       from,
		Version:    c.StateVersion,
		To:         to,
		ChangedAt:  changedAt,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Debug("Spend state changed concurrently",
			zap.Int64("campaign_id", c.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false, nil
	}

	c.SpendState = to
	c.StateVersion++
	c.ClaimedUntil = nil
	if changedAt != nil {
		c.SpendStateChangedAt = *changedAt
	}
	r.metrics.IncSpendTransition(string(from), string(to))
	r.logger.Info("Spend state changed",
		zap.Int64("campaign_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("daily_spend", c.DailySpend.StringFixed(2)),
	)
	return true, nil
}

// fail переводит кампанию в update_failed; журнал не трогается, следующий тик повторит расчёт.
// Запись идёт вне дедлайна тика: таймаут биллинга мог исчерпать его целиком.
func (r *SpendReconciler) fail(ctx context.Context, c *models.Campaign, now time.Time, cause error) error {
	ctx = context.WithoutCancel(ctx)
	r.metrics.IncCampaignError("billing_failed")
	r.logger.Warn("Billing call failed, campaign marked update_failed",
		zap.Int64("campaign_id", c.ID),
		zap.String("state", string(c.SpendState)),
		zap.Error(cause),
	)

	if c.SpendState == models.SpendStateUpdateFailed {
		r.release(ctx, c)
		return nil
	}
	_, err := r.transition(ctx, c, models.SpendStateUpdateFailed, &now)
	return err
}

func (r *SpendReconciler) reset(ctx context.Context, c *models.Campaign, now time.Time) (bool, error) {
	from := c.SpendState
	ok, err := r.ledger.ResetCycle(ctx, models.SpendTransition{
		CampaignID: c.ID,
		From:       from,
		Version:    c.StateVersion,
		To:         models.SpendStateLow,
		ChangedAt:  &now,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	c.SpendState = models.SpendStateLow
	c.StateVersion++
	c.SpendStateChangedAt = now
	c.BudgetCalcAt = nil
	c.CurrentBudget = nil
	r.metrics.IncSpendTransition(string(from), string(models.SpendStateLow))
	r.logger.Info("Spend dropped below threshold, cycle reset",
		zap.Int64("campaign_id", c.ID),
		zap.String("from", string(from)),
		zap.String("daily_spend", c.DailySpend.StringFixed(2)),
	)
	return true, nil
}
