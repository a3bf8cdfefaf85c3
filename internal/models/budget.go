package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetLedgerEntry запись о том, что ёмкость ссылки уже учтена в бюджете текущего цикла
type BudgetLedgerEntry struct {
	CampaignID        int64           `json:"campaign_id"`
	URLID             int64           `json:"url_id"`
	ContributedAmount decimal.Decimal `json:"contributed_amount"`
	LoggedAt          time.Time       `json:"logged_at"`
}

// BudgetCommit результат успешного обновления бюджета, фиксируемый одной транзакцией
type BudgetCommit struct {
	CampaignID int64
	// Версия состояния, захваченная перед вызовом биллинга
	Version int64
	From    SpendState
	Budget  decimal.Decimal
	Entries []BudgetLedgerEntry
	At      time.Time
	// SetCalcAt false для догоняющих пакетов: budget_calc_at фиксируется один раз за цикл
	SetCalcAt bool
}

// ContributionFor сумма бюджета за clicks кликов при цене за тысячу
func ContributionFor(clicks int64, pricePerThousand decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(clicks).Div(decimal.NewFromInt(1000)).Mul(pricePerThousand)
}

// SpendStatus сводка состояния сверки расходов для админки
type SpendStatus struct {
	CampaignID          int64               `json:"campaign_id"`
	SpendState          SpendState          `json:"spend_state"`
	SpendStateChangedAt time.Time           `json:"spend_state_changed_at"`
	DailySpend          decimal.Decimal     `json:"daily_spend"`
	CurrentBudget       *decimal.Decimal    `json:"current_budget,omitempty"`
	BudgetCalcAt        *time.Time          `json:"budget_calc_at,omitempty"`
	Entries             []BudgetLedgerEntry `json:"entries"`
}
