package repository

import (
	"context"
	"fmt"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// BudgetLedgerRepository журнал учтённых в бюджете ссылок; пара (campaign_id, url_id)
// уникальна в пределах цикла и служит ключом идемпотентности
type BudgetLedgerRepository interface {
	HasLogged(ctx context.Context, campaignID, urlID int64) (bool, error)
	Log(ctx context.Context, entry models.BudgetLedgerEntry) (bool, error)
	ClearCampaign(ctx context.Context, campaignID int64) error
	ListByCampaign(ctx context.Context, campaignID int64) ([]models.BudgetLedgerEntry, error)
	// CommitBudget одной транзакцией: CAS состояния, записи журнала, отметки на ссылках
	CommitBudget(ctx context.Context, commit models.BudgetCommit) (bool, error)
	// ResetCycle возвращает кампанию в low_spend и очищает журнал и отметки цикла
	ResetCycle(ctx context.Context, tr models.SpendTransition) (bool, error)
}

// querier общее у пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type budgetLedgerRepository struct {
	db *PostgresDB
}

func NewBudgetLedgerRepository(db *PostgresDB) BudgetLedgerRepository {
	return &budgetLedgerRepository{db: db}
}

func (r *budgetLedgerRepository) HasLogged(ctx context.Context, campaignID, urlID int64) (bool, error) {
	return hasLogged(ctx, r.db.Pool, campaignID, urlID)
}

func hasLogged(ctx context.Context, q querier, campaignID, urlID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM budget_ledger_entries WHERE campaign_id = $1 AND url_id = $2)`,
		campaignID, urlID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return exists, nil
}

func (r *budgetLedgerRepository) Log(ctx context.Context, entry models.BudgetLedgerEntry) (bool, error) {
	return logEntry(ctx, r.db.Pool, entry)
}

// logEntry возвращает false, если ссылка уже есть в журнале цикла
func logEntry(ctx context.Context, q querier, entry models.BudgetLedgerEntry) (bool, error) {
	tag, err := q.Exec(ctx, insertLedgerEntry,
		entry.CampaignID, entry.URLID, entry.ContributedAmount, entry.LoggedAt)
	if err != nil {
		return false, fmt.Errorf("failed to log ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const insertLedgerEntry = `
	INSERT INTO budget_ledger_entries (campaign_id, url_id, contributed_amount, logged_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (campaign_id, url_id) DO NOTHING
`

func (r *budgetLedgerRepository) ClearCampaign(ctx context.Context, campaignID int64) error {
	return clearLedger(ctx, r.db.Pool, campaignID)
}

func clearLedger(ctx context.Context, q querier, campaignID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM budget_ledger_entries WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}

func (r *budgetLedgerRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]models.BudgetLedgerEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT campaign_id, url_id, contributed_amount, logged_at
		FROM budget_ledger_entries
		WHERE campaign_id = $1
		ORDER BY url_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BudgetLedgerEntry, error) {
		var e models.BudgetLedgerEntry
		err := row.Scan(&e.CampaignID, &e.URLID, &e.ContributedAmount, &e.LoggedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return entries, nil
}

func (r *budgetLedgerRepository) CommitBudget(ctx context.Context, commit models.BudgetCommit) (committed bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil || !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET spend_state = 'budget_updated',
			state_version = state_version + 1,
			current_budget = $4,
			budget_calc_at = CASE WHEN $5 THEN $6 ELSE budget_calc_at END,
			spend_state_changed_at = CASE WHEN spend_state <> 'budget_updated' THEN $6 ELSE spend_state_changed_at END,
			claimed_until = NULL
		WHERE id = $1 AND spend_state = $2 AND state_version = $3
	`, commit.CampaignID, commit.From, commit.Version, commit.Budget, commit.SetCalcAt, commit.At)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	ids := make([]int64, 0, len(commit.Entries))
	for _, e := range commit.Entries {
		var logged bool
		if logged, err = logEntry(ctx, tx, e); err != nil {
			return false, err
		}
		if logged {
			ids = append(ids, e.URLID)
		}
	}
	if len(ids) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE urls SET budget_accounted_at = $2
			WHERE id = ANY($1) AND budget_accounted_at IS NULL
		`, ids, commit.At)
		if err != nil {
			return false, fmt.Errorf("failed to mark urls accounted: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit budget: %w", err)
	}
	return true, nil
}

func (r *budgetLedgerRepository) ResetCycle(ctx context.Context, tr models.SpendTransition) (reset bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		if err != nil || !reset {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET spend_state = 'low_spend',
			state_version = state_version + 1,
			spend_state_changed_at = COALESCE($4, spend_state_changed_at),
			budget_calc_at = NULL,
			current_budget = NULL,
			claimed_until = NULL
		WHERE id = $1 AND spend_state = $2 AND state_version = $3
	`, tr.CampaignID, tr.From, tr.Version, tr.ChangedAt)
	if err != nil {
		return false, fmt.Errorf("failed to reset campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err = clearLedger(ctx, tx, tr.CampaignID); err != nil {
		return false, err
	}
	if _, err = tx.Exec(ctx, `UPDATE urls SET budget_accounted_at = NULL WHERE campaign_id = $1`, tr.CampaignID); err != nil {
		return false, fmt.Errorf("failed to clear accounted marks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit reset: %w", err)
	}
	return true, nil
}
