package service

import (
	"context"
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/SergeiKhy/campaign-redirect/internal/clock"
	"github.com/SergeiKhy/campaign-redirect/internal/metrics"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"go.uber.org/zap"
)

// Методы-обёртки: {url} заменяется на экранированный целевой адрес
var methodTemplates = map[string]string{
	"google":   "https://www.google.com/url?q={url}",
	"facebook": "https://l.facebook.com/l.php?u={url}",
	"youtube":  "https://www.youtube.com/redirect?q={url}",
	"linkedin": "https://www.linkedin.com/redir/redirect?url={url}",
}

// SupportedMethods методы-обёртки, известные маршрутизатору
func SupportedMethods() []string {
	methods := make([]string, 0, len(methodTemplates))
	for m := range methodTemplates {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// WrapURL оборачивает target в шаблон метода
func WrapURL(method, target string) (string, bool) {
	tmpl, ok := methodTemplates[method]
	if !ok {
		return "", false
	}
	return strings.ReplaceAll(tmpl, "{url}", url.QueryEscape(target)), true
}

// RedirectMethodRouter выбирает способ редиректа и учитывает его использование.
// Ошибки учёта никогда не влияют на сам редирект.
type RedirectMethodRouter struct {
	recorder MethodRecorder
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRedirectMethodRouter(recorder MethodRecorder, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *RedirectMethodRouter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectMethodRouter{
		recorder: recorder,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// WithSource фиксирует источник случайных чисел (детерминированные тесты)
func (r *RedirectMethodRouter) WithSource(src rand.Source) *RedirectMethodRouter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rnd = rand.New(src)
	return r
}

// Route возвращает исходящий адрес и тег метода
func (r *RedirectMethodRouter) Route(ctx context.Context, campaign *models.Campaign, u *models.URL) (string, string) {
	outbound, method := u.TargetURL, models.MethodDirect

	if campaign.RedirectMethodRotationEnabled {
		if methods := r.usableMethods(campaign); len(methods) > 0 {
			method = methods[r.intn(len(methods))]
			outbound, _ = WrapURL(method, u.TargetURL)
		}
	}

	r.record(ctx, u.ID, method)
	return outbound, method
}

func (r *RedirectMethodRouter) usableMethods(campaign *models.Campaign) []string {
	usable := make([]string, 0, len(campaign.EnabledRedirectMethods))
	for _, m := range campaign.EnabledRedirectMethods {
		if _, ok := methodTemplates[m]; ok {
			usable = append(usable, m)
			continue
		}
		r.logger.Debug("Unknown redirect method skipped",
			zap.Int64("campaign_id", campaign.ID),
			zap.String("method", m),
		)
	}
	return usable
}

func (r *RedirectMethodRouter) record(ctx context.Context, urlID int64, method string) {
	r.metrics.IncRedirectMethod(method)
	if r.recorder == nil {
		return
	}

	event := &models.MethodUsageEvent{URLID: urlID, Method: method, At: r.clock.Now()}
	if err := r.recorder.Record(ctx, event); err != nil {
		r.logger.Debug("Failed to record redirect method (non-blocking)",
			zap.Int64("url_id", urlID),
			zap.String("method", method),
			zap.Error(err),
		)
	}
}

func (r *RedirectMethodRouter) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rnd != nil {
		return r.rnd.IntN(n)
	}
	return rand.IntN(n)
}
