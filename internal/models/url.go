package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type URLStatus string

const (
	URLStatusActive    URLStatus = "active"
	URLStatusPaused    URLStatus = "paused"
	URLStatusCompleted URLStatus = "completed"
	URLStatusDeleted   URLStatus = "deleted"
	URLStatusRejected  URLStatus = "rejected"
)

// BillableStatuses статусы, учитываемые при расчёте бюджета
var BillableStatuses = []URLStatus{URLStatusActive, URLStatusCompleted}

type URL struct {
	ID                 int64      `json:"id"`
	CampaignID         int64      `json:"campaign_id"`
	TargetURL          string     `json:"target_url"`
	Status             URLStatus  `json:"status"`
	ClickLimit         int64      `json:"click_limit"`
	OriginalClickLimit int64      `json:"original_click_limit"`
	Clicks             int64      `json:"clicks"`
	CreatedAt          time.Time  `json:"created_at"`
	BudgetAccountedAt  *time.Time `json:"budget_accounted_at,omitempty"`
}

// Remaining оставшаяся ёмкость ссылки
func (u *URL) Remaining() int64 {
	return u.ClickLimit - u.Clicks
}

// ClickLimitFor вычисляет click_limit = ceil(original × multiplier)
func ClickLimitFor(originalClickLimit int64, multiplier decimal.Decimal) int64 {
	if multiplier.IsNegative() {
		multiplier = decimal.Zero
	}
	return decimal.NewFromInt(originalClickLimit).Mul(multiplier).Ceil().IntPart()
}

// StatusForLimit статус после пересчёта лимита: достигнутый лимит завершает ссылку,
// выросший лимит возвращает завершённую ссылку в работу.
func StatusForLimit(current URLStatus, clicks, clickLimit int64) URLStatus {
	switch {
	case current == URLStatusActive && clicks >= clickLimit:
		return URLStatusCompleted
	case current == URLStatusCompleted && clicks < clickLimit:
		return URLStatusActive
	default:
		return current
	}
}
