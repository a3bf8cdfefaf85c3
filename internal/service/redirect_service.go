package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/repository"
	"go.uber.org/zap"
)

const defaultCampaignCacheTTL = 30 * time.Second

// RedirectService точка входа редиректа: выбор ссылки, учёт клика, выбор метода
type RedirectService interface {
	HandleRedirect(ctx context.Context, campaignID int64) (*models.RedirectResult, error)
}

type redirectService struct {
	campaignRepo repository.CampaignRepository
	cache        repository.CampaignCache
	cacheTTL     time.Duration
	dispatcher   Dispatcher
	router       *RedirectMethodRouter
	logger       *zap.Logger
}

// NewRedirectService создаёт сервис; cache может быть nil
func NewRedirectService(
	campaignRepo repository.CampaignRepository,
	cache repository.CampaignCache,
	cacheTTL time.Duration,
	dispatcher Dispatcher,
	router *RedirectMethodRouter,
	logger *zap.Logger,
) RedirectService {
	if cacheTTL <= 0 {
		cacheTTL = defaultCampaignCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redirectService{
		campaignRepo: campaignRepo,
		cache:        cache,
		cacheTTL:     cacheTTL,
		dispatcher:   dispatcher,
		router:       router,
		logger:       logger,
	}
}

func (s *redirectService) HandleRedirect(ctx context.Context, campaignID int64) (*models.RedirectResult, error) {
	campaign, err := s.campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	u, err := s.dispatcher.Pick(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	outbound, method := s.router.Route(ctx, campaign, u)

	return &models.RedirectResult{
		CampaignID:  campaign.ID,
		URLID:       u.ID,
		OutboundURL: outbound,
		Method:      method,
		Clicks:      u.Clicks,
	}, nil
}

// campaign читает кампанию сначала из кэша, затем из БД
func (s *redirectService) campaign(ctx context.Context, id int64) (*models.Campaign, error) {
	if s.cache != nil {
		if c, err := s.cache.Get(ctx, id); err == nil {
			return c, nil
		}
	}

	c, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, c, s.cacheTTL); err != nil {
			s.logger.Debug("Failed to cache campaign", zap.Int64("campaign_id", id), zap.Error(err))
		}
	}
	return c, nil
}
