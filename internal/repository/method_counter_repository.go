package repository

import (
	"context"
	"fmt"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/jackc/pgx/v5"
)

// MethodCounterRepository счётчики использования методов редиректа по ссылкам
type MethodCounterRepository interface {
	Increment(ctx context.Context, event *models.MethodUsageEvent) error
	GetByURL(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error)
}

type methodCounterRepository struct {
	db *PostgresDB
}

func NewMethodCounterRepository(db *PostgresDB) MethodCounterRepository {
	return &methodCounterRepository{db: db}
}

func (r *methodCounterRepository) Increment(ctx context.Context, event *models.MethodUsageEvent) error {
	// Счётчик создаётся лениво при первом использовании метода
	query := `
		INSERT INTO redirect_method_counters (url_id, method, count, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (url_id, method)
		DO UPDATE SET count = redirect_method_counters.count + 1, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool.Exec(ctx, query, event.URLID, event.Method, event.At)
	if err != nil {
		return fmt.Errorf("failed to increment method counter: %w", err)
	}

	return nil
}

func (r *methodCounterRepository) GetByURL(ctx context.Context, urlID int64) ([]models.RedirectMethodCounter, error) {
	query := `
		SELECT url_id, method, count, updated_at
		FROM redirect_method_counters
		WHERE url_id = $1
		ORDER BY method
	`

	rows, err := r.db.Pool.Query(ctx, query, urlID)
	if err != nil {
		return nil, fmt.Errorf("failed to get method counters: %w", err)
	}

	counters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RedirectMethodCounter, error) {
		var c models.RedirectMethodCounter
		err := row.Scan(&c.URLID, &c.Method, &c.Count, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating method counters: %w", err)
	}

	return counters, nil
}
