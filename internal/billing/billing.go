// Package billing описывает внешний биллинг рекламных кампаний, от которого зависит
// сверка расходов: дневные траты, дневной бюджет, окончание расписания и активность.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrBillingCallFailed ошибка или таймаут вызова биллинга
var ErrBillingCallFailed = errors.New("billing call failed")

// Client контракт биллинга
type Client interface {
	GetDailySpend(ctx context.Context, externalCampaignID string, date time.Time) (decimal.Decimal, error)
	SetDailyBudget(ctx context.Context, externalCampaignID string, amount decimal.Decimal) error
	SetScheduleEnd(ctx context.Context, externalCampaignID string, end time.Time) error
	SetActive(ctx context.Context, externalCampaignID string, active bool) error
}
