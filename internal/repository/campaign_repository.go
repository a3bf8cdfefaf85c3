package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	// ListReconcilable кампании, привязанные к биллингу
	ListReconcilable(ctx context.Context) ([]models.Campaign, error)
	UpdateDailySpend(ctx context.Context, id int64, spend decimal.Decimal) error
	// TransitionSpendState CAS по (spend_state, state_version); версия увеличивается при успехе
	TransitionSpendState(ctx context.Context, tr models.SpendTransition) (bool, error)
}

const campaignColumns = `id, name, external_campaign_id, price_per_thousand_clicks, multiplier, daily_spend,
	current_budget, spend_state, spend_state_changed_at, state_version, wait_minutes, budget_calc_at, claimed_until,
	enabled_redirect_methods, redirect_method_rotation_enabled, created_at`

type campaignRepository struct {
	db *PostgresDB
}

func NewCampaignRepository(db *PostgresDB) CampaignRepository {
	return &campaignRepository{db: db}
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.ExternalCampaignID,
		&c.PricePerThousandClicks,
		&c.Multiplier,
		&c.DailySpend,
		&c.CurrentBudget,
		&c.SpendState,
		&c.SpendStateChangedAt,
		&c.StateVersion,
		&c.WaitMinutes,
		&c.BudgetCalcAt,
		&c.ClaimedUntil,
		&c.EnabledRedirectMethods,
		&c.RedirectMethodRotationEnabled,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *campaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	query := `
		INSERT INTO campaigns (name, external_campaign_id, price_per_thousand_clicks, multiplier,
			wait_minutes, enabled_redirect_methods, redirect_method_rotation_enabled, spend_state_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + campaignColumns

	if c.WaitMinutes <= 0 {
		c.WaitMinutes = models.DefaultWaitMinutes
	}
	if c.EnabledRedirectMethods == nil {
		c.EnabledRedirectMethods = []string{}
	}

	created, err := scanCampaign(r.db.Pool.QueryRow(ctx, query,
		c.Name,
		c.ExternalCampaignID,
		c.PricePerThousandClicks,
		c.Multiplier,
		c.WaitMinutes,
		c.EnabledRedirectMethods,
		c.RedirectMethodRotationEnabled,
		time.Now().UTC(),
	))
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	*c = *created
	return nil
}

func (r *campaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return c, nil
}

func (r *campaignRepository) ListReconcilable(ctx context.Context) ([]models.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE external_campaign_id IS NOT NULL AND external_campaign_id <> ''
		ORDER BY id
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	campaigns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Campaign, error) {
		c, err := scanCampaign(row)
		if err != nil {
			return models.Campaign{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) UpdateDailySpend(ctx context.Context, id int64, spend decimal.Decimal) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE campaigns SET daily_spend = $2 WHERE id = $1`, id, spend)
	if err != nil {
		return fmt.Errorf("failed to update daily spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (r *campaignRepository) TransitionSpendState(ctx context.Context, tr models.SpendTransition) (bool, error) {
	query := `
		UPDATE campaigns
		SET spend_state = $4,
			state_version = state_version + 1,
			spend_state_changed_at = COALESCE($5, spend_state_changed_at),
			claimed_until = $6
		WHERE id = $1 AND spend_state = $2 AND state_version = $3
	`

	tag, err := r.db.Pool.Exec(ctx, query, tr.CampaignID, tr.From, tr.Version, tr.To, tr.ChangedAt, tr.ClaimUntil)
	if err != nil {
		return false, fmt.Errorf("failed to transition spend state: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
