package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/guard"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// URLRepository хранилище ссылок кампаний; TryIncrement реализует журнал кликов
type URLRepository interface {
	Create(ctx context.Context, u *models.URL) error
	GetByID(ctx context.Context, id int64) (*models.URL, error)
	ListByCampaign(ctx context.Context, campaignID int64, statuses ...models.URLStatus) ([]models.URL, error)
	// TryIncrement атомарно увеличивает clicks, если квота не исчерпана.
	// ok=false означает, что клик не засчитан.
	TryIncrement(ctx context.Context, id int64) (clicks int64, ok bool, err error)
	// Update путь записи фоновых синхронизаций; защищённые поля проходят через guard
	Update(ctx context.Context, u *models.URL) (*models.URL, error)
	SetOriginalClickLimit(ctx context.Context, id int64, value int64) (*models.URL, error)
	// ApplyMultiplier сохраняет множитель кампании и пересчитывает click_limit всех её ссылок
	ApplyMultiplier(ctx context.Context, campaignID int64, multiplier decimal.Decimal) (int64, error)
	// ListLateUnaccounted ссылки, созданные после since и ещё не учтённые в бюджете
	ListLateUnaccounted(ctx context.Context, campaignID int64, since time.Time) ([]models.URL, error)
}

const urlColumns = `id, campaign_id, target_url, status, click_limit, original_click_limit, clicks, created_at, budget_accounted_at`

type urlRepository struct {
	db    *PostgresDB
	guard *guard.Guard
}

func NewURLRepository(db *PostgresDB, g *guard.Guard) URLRepository {
	return &urlRepository{db: db, guard: g}
}

func scanURL(row pgx.Row) (*models.URL, error) {
	u := &models.URL{}
	err := row.Scan(
		&u.ID,
		&u.CampaignID,
		&u.TargetURL,
		&u.Status,
		&u.ClickLimit,
		&u.OriginalClickLimit,
		&u.Clicks,
		&u.CreatedAt,
		&u.BudgetAccountedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func collectURLs(rows pgx.Rows) ([]models.URL, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.URL, error) {
		u, err := scanURL(row)
		if err != nil {
			return models.URL{}, err
		}
		return *u, nil
	})
}

func (r *urlRepository) Create(ctx context.Context, u *models.URL) error {
	query := `
		INSERT INTO urls (campaign_id, target_url, status, click_limit, original_click_limit, clicks, created_at)
		SELECT c.id, $2::text, $3::text, CEIL($4::bigint * c.multiplier)::bigint, $4::bigint, 0, $5::timestamptz
		FROM campaigns c
		WHERE c.id = $1
		RETURNING ` + urlColumns

	if u.Status == "" {
		u.Status = models.URLStatusActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	created, err := scanURL(r.db.Pool.QueryRow(ctx, query,
		u.CampaignID,
		u.TargetURL,
		u.Status,
		u.OriginalClickLimit,
		u.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCampaignNotFound
		}
		return fmt.Errorf("failed to create url: %w", err)
	}

	*u = *created
	return nil
}

func (r *urlRepository) GetByID(ctx context.Context, id int64) (*models.URL, error) {
	query := `SELECT ` + urlColumns + ` FROM urls WHERE id = $1`

	u, err := scanURL(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrURLNotFound
		}
		return nil, fmt.Errorf("failed to get url: %w", err)
	}

	return u, nil
}

func (r *urlRepository) ListByCampaign(ctx context.Context, campaignID int64, statuses ...models.URLStatus) ([]models.URL, error) {
	query := `SELECT ` + urlColumns + ` FROM urls WHERE campaign_id = $1`
	args := []any{campaignID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}

	urls, err := collectURLs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan urls: %w", err)
	}
	return urls, nil
}

func (r *urlRepository) TryIncrement(ctx context.Context, id int64) (int64, bool, error) {
	// Одно условное UPDATE: конкурентные вызовы не могут вывести clicks за click_limit,
	// перевод в completed происходит в той же строке той же транзакции
	query := `
		UPDATE urls
		SET clicks = clicks + 1,
			status = CASE WHEN clicks + 1 >= click_limit THEN 'completed' ELSE status END
		WHERE id = $1 AND status = 'active' AND clicks < click_limit
		RETURNING clicks
	`

	var clicks int64
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&clicks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to increment clicks: %w", err)
	}

	return clicks, true, nil
}

func (r *urlRepository) Update(ctx context.Context, u *models.URL) (*models.URL, error) {
	return r.write(ctx, u.ID, func(prior models.URL) models.URL {
		proposed := *u
		return proposed
	})
}

func (r *urlRepository) SetOriginalClickLimit(ctx context.Context, id int64, value int64) (*models.URL, error) {
	return r.write(ctx, id, func(prior models.URL) models.URL {
		proposed := prior
		proposed.OriginalClickLimit = value
		return proposed
	})
}

// write читает строку под блокировкой, применяет политику guard и сохраняет результат
func (r *urlRepository) write(ctx context.Context, id int64, mutate func(prior models.URL) models.URL) (result *models.URL, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var multiplier decimal.Decimal
	prior := &models.URL{}
	err = tx.QueryRow(ctx, `
		SELECT u.id, u.campaign_id, u.target_url, u.status, u.click_limit, u.original_click_limit,
			u.clicks, u.created_at, u.budget_accounted_at, c.multiplier
		FROM urls u
		JOIN campaigns c ON c.id = u.campaign_id
		WHERE u.id = $1
		FOR UPDATE OF u
	`, id).Scan(
		&prior.ID,
		&prior.CampaignID,
		&prior.TargetURL,
		&prior.Status,
		&prior.ClickLimit,
		&prior.OriginalClickLimit,
		&prior.Clicks,
		&prior.CreatedAt,
		&prior.BudgetAccountedAt,
		&multiplier,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrURLNotFound
		}
		return nil, fmt.Errorf("failed to lock url: %w", err)
	}

	next := PrepareURLWrite(ctx, r.guard, *prior, mutate(*prior), multiplier)

	result, err = scanURL(tx.QueryRow(ctx, `
		UPDATE urls
		SET target_url = $2, status = $3, original_click_limit = $4, click_limit = $5
		WHERE id = $1
		RETURNING `+urlColumns,
		next.ID,
		next.TargetURL,
		next.Status,
		next.OriginalClickLimit,
		next.ClickLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update url: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit url update: %w", err)
	}
	return result, nil
}

func (r *urlRepository) ApplyMultiplier(ctx context.Context, campaignID int64, multiplier decimal.Decimal) (affected int64, err error) {
	if !r.guard.Allowed(ctx, 0, campaignID) {
		return 0, guard.ErrGuardViolation
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `UPDATE campaigns SET multiplier = $2 WHERE id = $1`, campaignID, multiplier)
	if err != nil {
		return 0, fmt.Errorf("failed to update multiplier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrCampaignNotFound
	}

	// Выражения SET видят старые значения строки; clicks не опускается ниже достигнутого
	tag, err = tx.Exec(ctx, `
		UPDATE urls
		SET click_limit = GREATEST(CEIL(original_click_limit * $2::numeric)::bigint, clicks),
			status = CASE
				WHEN status = 'active' AND clicks >= CEIL(original_click_limit * $2::numeric)::bigint THEN 'completed'
				WHEN status = 'completed' AND clicks < CEIL(original_click_limit * $2::numeric)::bigint THEN 'active'
				ELSE status
			END
		WHERE campaign_id = $1
	`, campaignID, multiplier)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute click limits: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit multiplier: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *urlRepository) ListLateUnaccounted(ctx context.Context, campaignID int64, since time.Time) ([]models.URL, error) {
	query := `
		SELECT ` + urlColumns + `
		FROM urls u
		WHERE u.campaign_id = $1
			AND u.created_at > $2
			AND u.budget_accounted_at IS NULL
			AND u.status = ANY($3)
			AND NOT EXISTS (
				SELECT 1 FROM budget_ledger_entries b
				WHERE b.campaign_id = u.campaign_id AND b.url_id = u.id
			)
		ORDER BY u.created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, campaignID, since, statusStrings(models.BillableStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list late urls: %w", err)
	}

	urls, err := collectURLs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan late urls: %w", err)
	}
	return urls, nil
}

// PrepareURLWrite применяет политику записи ссылки: clicks и служебные поля берутся из prior,
// защищённые поля откатываются вне bypass, а внутри bypass click_limit
// всегда пересчитывается из original_click_limit и множителя.
func PrepareURLWrite(ctx context.Context, g *guard.Guard, prior, proposed models.URL, multiplier decimal.Decimal) models.URL {
	next := proposed
	next.ID = prior.ID
	next.CampaignID = prior.CampaignID
	next.Clicks = prior.Clicks
	next.CreatedAt = prior.CreatedAt
	next.BudgetAccountedAt = prior.BudgetAccountedAt
	if next.Status == "" {
		next.Status = prior.Status
	}

	if g.Enforce(ctx, &prior, &next) {
		return next
	}

	if g.Allowed(ctx, prior.ID, prior.CampaignID) {
		next.ClickLimit = max(models.ClickLimitFor(next.OriginalClickLimit, multiplier), next.Clicks)
		next.Status = models.StatusForLimit(next.Status, next.Clicks, next.ClickLimit)
	}
	return next
}

func statusStrings(statuses []models.URLStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
