package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendState состояние цикла сверки расходов кампании
type SpendState string

const (
	SpendStateLow           SpendState = "low_spend"
	SpendStateHigh          SpendState = "high_spend"
	SpendStateWaiting       SpendState = "waiting"
	SpendStateBudgetUpdated SpendState = "budget_updated"
	SpendStateUpdateFailed  SpendState = "update_failed"
)

// DefaultWaitMinutes время охлаждения после обнаружения высоких расходов
const DefaultWaitMinutes = 11

type Campaign struct {
	ID                     int64            `json:"id"`
	Name                   string           `json:"name"`
	ExternalCampaignID     *string          `json:"external_campaign_id,omitempty"`
	PricePerThousandClicks decimal.Decimal  `json:"price_per_thousand_clicks"`
	Multiplier             decimal.Decimal  `json:"multiplier"`
	DailySpend             decimal.Decimal  `json:"daily_spend"`
	CurrentBudget          *decimal.Decimal `json:"current_budget,omitempty"`
	SpendState             SpendState       `json:"spend_state"`
	SpendStateChangedAt    time.Time        `json:"spend_state_changed_at"`
	StateVersion           int64            `json:"state_version"`
	WaitMinutes            int              `json:"wait_minutes"`
	BudgetCalcAt           *time.Time       `json:"budget_calc_at,omitempty"`
	// ClaimedUntil тик, захвативший кампанию для расчёта бюджета, держит её до этого момента
	ClaimedUntil                  *time.Time `json:"claimed_until,omitempty"`
	EnabledRedirectMethods        []string   `json:"enabled_redirect_methods"`
	RedirectMethodRotationEnabled bool       `json:"redirect_method_rotation_enabled"`
	CreatedAt                     time.Time  `json:"created_at"`
}

// WaitDuration возвращает окно охлаждения кампании
func (c *Campaign) WaitDuration() time.Duration {
	minutes := c.WaitMinutes
	if minutes <= 0 {
		minutes = DefaultWaitMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Claimed удерживается ли кампания другим тиком в момент now
func (c *Campaign) Claimed(now time.Time) bool {
	return c.ClaimedUntil != nil && now.Before(*c.ClaimedUntil)
}

// HasExternalCampaign сообщает, привязана ли кампания к биллингу
func (c *Campaign) HasExternalCampaign() bool {
	return c.ExternalCampaignID != nil && *c.ExternalCampaignID != ""
}

// SpendTransition описывает CAS-переход состояния расходов.
// Переход применяется только если текущие состояние и версия совпадают с From/Version.
type SpendTransition struct {
	CampaignID int64
	From       SpendState
	Version    int64
	To         SpendState
	ChangedAt  *time.Time
	// ClaimUntil захват кампании тиком; nil снимает захват
	ClaimUntil *time.Time
}
