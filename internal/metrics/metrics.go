package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campaign_redirect"

// Исходы выбора ссылки
const (
	DispatchServed    = "served"
	DispatchExhausted = "exhausted"
	DispatchRaceRetry = "race_retry"
	DispatchError     = "error"
)

// Metrics коллекторы движка редиректов и сверки расходов.
// Все методы безопасны для nil-получателя.
type Metrics struct {
	dispatch          *prometheus.CounterVec
	redirectMethods   *prometheus.CounterVec
	methodDropped     prometheus.Counter
	guardViolations   *prometheus.CounterVec
	spendTransitions  *prometheus.CounterVec
	billingCalls      *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	campaignTickError *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default синглтон на prometheus.DefaultRegisterer
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New регистрирует коллекторы в registerer
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Redirect dispatch outcomes.",
		}, []string{"outcome"}),
		redirectMethods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_method_total",
			Help:      "Redirects served per obfuscation method.",
		}, []string{"method"}),
		methodDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirect_method_events_dropped_total",
			Help:      "Method usage events dropped because the buffer was full.",
		}),
		guardViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_violations_total",
			Help:      "Writes to protected quota fields reverted outside a bypass scope.",
		}, []string{"field"}),
		spendTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_state_transitions_total",
			Help:      "Spend reconciler state transitions.",
		}, []string{"from", "to"}),
		billingCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_calls_total",
			Help:      "Calls to the billing collaborator.",
		}, []string{"op", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_tick_duration_seconds",
			Help:      "Duration of one reconciliation pass over all campaigns.",
			Buckets:   prometheus.DefBuckets,
		}),
		campaignTickError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_campaign_errors_total",
			Help:      "Per-campaign reconciliation errors.",
		}, []string{"reason"}),
	}

	registerer.MustRegister(
		m.dispatch,
		m.redirectMethods,
		m.methodDropped,
		m.guardViolations,
		m.spendTransitions,
		m.billingCalls,
		m.tickDuration,
		m.campaignTickError,
	)
	return m
}

func (m *Metrics) IncDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRedirectMethod(method string) {
	if m == nil {
		return
	}
	m.redirectMethods.WithLabelValues(method).Inc()
}

func (m *Metrics) IncMethodDropped() {
	if m == nil {
		return
	}
	m.methodDropped.Inc()
}

func (m *Metrics) IncGuardViolation(field string) {
	if m == nil {
		return
	}
	m.guardViolations.WithLabelValues(field).Inc()
}

func (m *Metrics) IncSpendTransition(from, to string) {
	if m == nil {
		return
	}
	m.spendTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncBillingCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.billingCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) IncCampaignError(reason string) {
	if m == nil {
		return
	}
	m.campaignTickError.WithLabelValues(reason).Inc()
}
