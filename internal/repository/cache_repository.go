package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
)

// CampaignCache кэш кампаний для пути редиректа с явным TTL и инвалидацией
type CampaignCache interface {
	Get(ctx context.Context, id int64) (*models.Campaign, error)
	Set(ctx context.Context, campaign *models.Campaign, ttl time.Duration) error
	Delete(ctx context.Context, id int64) error
}

type campaignCache struct {
	redis *RedisDB
}

func NewCampaignCache(redis *RedisDB) CampaignCache {
	return &campaignCache{redis: redis}
}

func (r *campaignCache) Get(ctx context.Context, id int64) (*models.Campaign, error) {
	data, err := r.redis.Client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		return nil, err
	}

	var campaign models.Campaign
	if err := json.Unmarshal(data, &campaign); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}

	return &campaign, nil
}

func (r *campaignCache) Set(ctx context.Context, campaign *models.Campaign, ttl time.Duration) error {
	data, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}

	return r.redis.Client.Set(ctx, r.key(campaign.ID), data, ttl).Err()
}

func (r *campaignCache) Delete(ctx context.Context, id int64) error {
	return r.redis.Client.Del(ctx, r.key(id)).Err()
}

func (r *campaignCache) key(id int64) string {
	return "campaign:" + strconv.FormatInt(id, 10)
}
