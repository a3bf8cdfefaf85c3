package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var targetURLPattern = regexp.MustCompile(`^https?://[^\s]+$`)

// ReconcileTrigger внеочередная сверка кампании
type ReconcileTrigger interface {
	ReconcileNow(ctx context.Context, campaignID int64) error
}

// AdminService путь административных правок. Единственные операции, меняющие квоты
// ссылок, открывают bypass guard ровно на затрагиваемые объекты.
type AdminService interface {
	SetOriginalClickLimit(ctx context.Context, urlID int64, value int64) (*models.URL, error)
	SetMultiplier(ctx context.Context, campaignID int64, multiplier decimal.Decimal) (int64, error)
	// SaveURL путь фоновой синхронизации: квотные поля защищены guard
	SaveURL(ctx context.Context, u *models.URL) (*models.URL, error)
	MethodStats(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error)
	SpendStatus(ctx context.Context, campaignID int64) (*models.SpendStatus, error)
	ReconcileNow(ctx context.Context, campaignID int64) error
}

type adminService struct {
	urlRepo      repository.URLRepository
	campaignRepo repository.CampaignRepository
	ledgerRepo   repository.BudgetLedgerRepository
	counterRepo  repository.MethodCounterRepository
	cache        repository.CampaignCache
	guard        *guard.Guard
	reconciler   ReconcileTrigger
	logger       *zap.Logger
}

type AdminDeps struct {
	URLs       repository.URLRepository
	Campaigns  repository.CampaignRepository
	Ledger     repository.BudgetLedgerRepository
	Counters   repository.MethodCounterRepository
	Cache      repository.CampaignCache
	Guard      *guard.Guard
	Reconciler ReconcileTrigger
}

func NewAdminService(deps AdminDeps, logger *zap.Logger) AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &adminService{
		urlRepo:      deps.URLs,
		campaignRepo: deps.Campaigns,
		ledgerRepo:   deps.Ledger,
		counterRepo:  deps.Counters,
		cache:        deps.Cache,
		guard:        deps.Guard,
		reconciler:   deps.Reconciler,
		logger:       logger,
	}
}

func (s *adminService) SetOriginalClickLimit(ctx context.Context, urlID int64, value int64) (*models.URL, error) {
	if value <= 0 {
		return nil, fmt.Errorf("%w: original click limit must be positive", ErrInvalidInput)
	}

	var updated *models.URL
	err := s.guard.WithBypass(ctx, guard.ForURLs(urlID), func(ctx context.Context) error {
		var err error
		updated, err = s.urlRepo.SetOriginalClickLimit(ctx, urlID, value)
		return err
	})
	if err != nil {
		return nil, mapRepoError(err)
	}

	s.logger.Info("Original click limit changed",
		zap.Int64("url_id", urlID),
		zap.Int64("original_click_limit", updated.OriginalClickLimit),
		zap.Int64("click_limit", updated.ClickLimit),
	)
	return updated, nil
}

func (s *adminService) SetMultiplier(ctx context.Context, campaignID int64, multiplier decimal.Decimal) (int64, error) {
	if multiplier.IsNegative() {
		return 0, fmt.Errorf("%w: multiplier must not be negative", ErrInvalidInput)
	}

	var affected int64
	err := s.guard.WithBypass(ctx, guard.ForCampaign(campaignID), func(ctx context.Context) error {
		var err error
		affected, err = s.urlRepo.ApplyMultiplier(ctx, campaignID, multiplier)
		return err
	})
	if err != nil {
		return 0, mapRepoError(err)
	}

	s.invalidate(ctx, campaignID)

	s.logger.Info("Campaign multiplier changed",
		zap.Int64("campaign_id", campaignID),
		zap.String("multiplier", multiplier.String()),
		zap.Int64("urls", affected),
	)
	return affected, nil
}

func (s *adminService) SaveURL(ctx context.Context, u *models.URL) (*models.URL, error) {
	if u.TargetURL != "" && !targetURLPattern.MatchString(u.TargetURL) {
		return nil, fmt.Errorf("%w: target url must be http(s)", ErrInvalidInput)
	}
	if u.Status != "" && !validStatus(u.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, u.Status)
	}

	// Незаполненные поля берутся из текущей строки
	current, err := s.urlRepo.GetByID(ctx, u.ID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if u.TargetURL == "" {
		u.TargetURL = current.TargetURL
	}
	if u.Status == "" {
		u.Status = current.Status
	}
	if u.OriginalClickLimit == 0 {
		u.OriginalClickLimit = current.OriginalClickLimit
	}
	if u.ClickLimit == 0 {
		u.ClickLimit = current.ClickLimit
	}

	saved, err := s.urlRepo.Update(ctx, u)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return saved, nil
}

func (s *adminService) MethodStats(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error) {
	if _, err := s.urlRepo.GetByID(ctx, urlID); err != nil {
		return nil, mapRepoError(err)
	}
	return s.counterRepo.GetByURL(ctx, urlID)
}

func (s *adminService) SpendStatus(ctx context.Context, campaignID int64) (*models.SpendStatus, error) {
	c, err := s.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, mapRepoError(err)
	}

	entries, err := s.ledgerRepo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	return &models.SpendStatus{
		CampaignID:          c.ID,
		SpendState:          c.SpendState,
		SpendStateChangedAt: c.SpendStateChangedAt,
		DailySpend:          c.DailySpend,
		CurrentBudget:       c.CurrentBudget,
		BudgetCalcAt:        c.BudgetCalcAt,
		Entries:             entries,
	}, nil
}

func (s *adminService) ReconcileNow(ctx context.Context, campaignID int64) error {
	if s.reconciler == nil {
		return ErrNotReconcilable
	}
	if err := s.reconciler.ReconcileNow(ctx, campaignID); err != nil {
		return mapRepoError(err)
	}
	s.invalidate(ctx, campaignID)
	return nil
}

func (s *adminService) invalidate(ctx context.Context, campaignID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, campaignID); err != nil {
		s.logger.Warn("Failed to invalidate campaign cache", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func validStatus(status models.URLStatus) bool {
	switch status {
	case models.URLStatusActive, models.URLStatusPaused, models.URLStatusCompleted,
		models.URLStatusDeleted, models.URLStatusRejected:
		return true
	}
	return false
}

func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrURLNotFound):
		return ErrURLNotFound
	case errors.Is(err, repository.ErrCampaignNotFound):
		return ErrCampaignNotFound
	default:
		return err
	}
}
