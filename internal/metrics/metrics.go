package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Outcome string

const (
	Success Outcome = "success"
	Error   Outcome = "error"
)

func (o Outcome) String() string {
	return string(o)
}

var (
	once                     sync.Once
	transitionsTotal         *prometheus.CounterVec
	transitionDuration       *prometheus.HistogramVec
	escrowReleasedTotal      *prometheus.CounterVec
	notificationsFailedTotal *prometheus.CounterVec
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; recording before Init is a no-op.
func Init() {
	once.Do(registerMetrics)
}

func registerMetrics() {
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyline",
		Name:      "transitions_total",
		Help:      "Lifecycle events applied to bounties, by event and outcome.",
	}, []string{"event", "outcome"})
	transitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bountyline",
		Name:      "transition_duration_seconds",
		Help:      "Time to load, validate and persist one lifecycle event.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"event"})
	escrowReleasedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyline",
		Name:      "escrow_released_units_total",
		Help:      "Minor currency units released from escrow to labs.",
	}, []string{"currency"})
	notificationsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyline",
		Name:      "notifications_failed_total",
		Help:      "Notifications that could not be delivered, by type.",
	}, []string{"type"})

	prometheus.MustRegister(
		transitionsTotal,
		transitionDuration,
		escrowReleasedTotal,
		notificationsFailedTotal,
	)
}

// StartTransitionTimer starts timing one lifecycle event; the returned func
// records the outcome and duration.
func StartTransitionTimer(event string) func(Outcome) {
	start := time.Now()
	return func(o Outcome) {
		if transitionsTotal == nil {
			return
		}
		transitionsTotal.WithLabelValues(event, o.String()).Inc()
		transitionDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}
}

func RecordRelease(currency string, amount int64) {
	if escrowReleasedTotal == nil || amount <= 0 {
		return
	}
	escrowReleasedTotal.WithLabelValues(currency).Add(float64(amount))
}

func RecordNotificationFailure(notificationType string) {
	if notificationsFailedTotal == nil {
		return
	}
	notificationsFailedTotal.WithLabelValues(notificationType).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
