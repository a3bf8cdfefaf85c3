// Package guard защищает поля квот ссылок (original_click_limit, click_limit)
// от перезаписи фоновыми синхронизациями. Изменение разрешено только внутри
// явной области WithBypass, привязанной к конкретным ссылкам или кампании.
package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"go.uber.org/zap"
)

// ErrGuardViolation попытка записи защищённого поля вне bypass.
// Вызывающему не возвращается: значение откатывается, событие логируется.
var ErrGuardViolation = errors.New("protected quota field write outside bypass scope")

const (
	FieldOriginalClickLimit = "original_click_limit"
	FieldClickLimit         = "click_limit"
)

// Scope набор объектов, для которых открывается bypass
type Scope struct {
	URLIDs     []int64
	CampaignID int64
}

// ForURLs bypass для конкретных ссылок
func ForURLs(ids ...int64) Scope {
	return Scope{URLIDs: ids}
}

// ForCampaign bypass для всех ссылок кампании (пересчёт по множителю)
func ForCampaign(id int64) Scope {
	return Scope{CampaignID: id}
}

type bypass struct {
	active     atomic.Bool
	urlIDs     map[int64]struct{}
	campaignID int64
}

func (b *bypass) covers(urlID, campaignID int64) bool {
	if !b.active.Load() {
		return false
	}
	if b.campaignID != 0 && b.campaignID == campaignID {
		return true
	}
	_, ok := b.urlIDs[urlID]
	return ok
}

type ctxKey struct{}

type Guard struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	open int
}

func New(logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger.Named("guard"), metrics: m}
}

// WithBypass выполняет fn с разрешением на запись защищённых полей в пределах scope.
// Разрешение живёт только в контексте, переданном в fn, и снимается при любом выходе,
// включая панику: контекст, утёкший в другую горутину, после возврата ничего не разрешает.
func (g *Guard) WithBypass(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	b := &bypass{
		urlIDs:     make(map[int64]struct{}, len(scope.URLIDs)),
		campaignID: scope.CampaignID,
	}
	for _, id := range scope.URLIDs {
		b.urlIDs[id] = struct{}{}
	}
	b.active.Store(true)

	g.mu.Lock()
	g.open++
	g.mu.Unlock()

	defer func() {
		b.active.Store(false)
		g.mu.Lock()
		g.open--
		g.mu.Unlock()
	}()

	return fn(context.WithValue(ctx, ctxKey{}, b))
}

// Allowed открыт ли в ctx bypass, покрывающий ссылку
func (g *Guard) Allowed(ctx context.Context, urlID, campaignID int64) bool {
	b, ok := ctx.Value(ctxKey{}).(*bypass)
	if !ok || b == nil {
		return false
	}
	return b.covers(urlID, campaignID)
}

// OpenScopes количество открытых bypass-областей
func (g *Guard) OpenScopes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Enforce применяет политику к предлагаемой записи ссылки. Вне bypass защищённые
// поля proposed возвращаются к значениям prior, пишется предупреждение.
// Возвращает true, если что-то было откачено.
func (g *Guard) Enforce(ctx context.Context, prior, proposed *models.URL) bool {
	if g.Allowed(ctx, prior.ID, prior.CampaignID) {
		return false
	}

	reverted := false
	if proposed.OriginalClickLimit != prior.OriginalClickLimit {
		g.warn(prior, FieldOriginalClickLimit, proposed.OriginalClickLimit, prior.OriginalClickLimit)
		proposed.OriginalClickLimit = prior.OriginalClickLimit
		reverted = true
	}
	if proposed.ClickLimit != prior.ClickLimit {
		g.warn(prior, FieldClickLimit, proposed.ClickLimit, prior.ClickLimit)
		proposed.ClickLimit = prior.ClickLimit
		reverted = true
	}
	return reverted
}

func (g *Guard) warn(u *models.URL, field string, attempted, kept int64) {
	g.metrics.IncGuardViolation(field)
	g.logger.Warn("Reverted protected field write",
		zap.Int64("url_id", u.ID),
		zap.Int64("campaign_id", u.CampaignID),
		zap.String("field", field),
		zap.Int64("attempted", attempted),
		zap.Int64("kept", kept),
		zap.Error(ErrGuardViolation),
	)
}
