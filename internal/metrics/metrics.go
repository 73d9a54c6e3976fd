// Package metrics exposes the Prometheus gauges Queue status polling
// is built on (spec.md §6's queue/status shape, mirrored as metrics).
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/bulkmail/internal/store"
)

var (
	// QueueWaiting tracks jobs whose scheduledTime is still in the future.
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulkmail_queue_waiting",
		Help: "Number of jobs scheduled for a future time",
	})
	// QueueActive tracks jobs due and either leased or awaiting a lease.
	QueueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulkmail_queue_active",
		Help: "Number of jobs due and being dispatched",
	})
	// QueueDelayed tracks pending, due jobs that have already failed at
	// least once (retries); rate-limit deferrals are not counted here.
	QueueDelayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulkmail_queue_delayed",
		Help: "Number of pending jobs being retried after a failed attempt",
	})
	// QueueCompleted tracks jobs that reached the sent state.
	QueueCompleted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulkmail_queue_completed",
		Help: "Number of jobs sent successfully",
	})
	// QueueFailed tracks jobs that exhausted retries or failed permanently.
	QueueFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bulkmail_queue_failed",
		Help: "Number of jobs that failed permanently",
	})

	// SendTotal counts delivery attempts by outcome.
	SendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmail_send_total",
		Help: "Total delivery attempts by outcome",
	}, []string{"outcome"})

	// RateLimitDeferredTotal counts jobs deferred due to the sender's
	// rolling-hour budget being exhausted.
	RateLimitDeferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulkmail_rate_limit_deferred_total",
		Help: "Total jobs deferred by the rolling-hour rate limiter",
	})

	// CampaignsSubmittedTotal counts campaign submissions accepted.
	CampaignsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulkmail_campaigns_submitted_total",
		Help: "Total campaigns accepted for scheduling",
	})
)

// Register adds every gauge and counter to reg. Call once at process boot.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		QueueWaiting, QueueActive, QueueDelayed, QueueCompleted, QueueFailed,
		SendTotal, RateLimitDeferredTotal, CampaignsSubmittedTotal,
	)
}

// Sampler periodically reads store.Stats and republishes them as gauges,
// since Stats is computed from a SQL aggregate rather than kept live.
type Sampler struct {
	store    store.Store
	interval time.Duration
}

// NewSampler builds a Sampler. interval defaults to 10s if non-positive.
func NewSampler(st store.Store, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{store: st, interval: interval}
}

// Run polls store.QueueStats every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	stats, err := s.store.QueueStats(ctx)
	if err != nil {
		return
	}
	Publish(stats)
}

// Publish sets the queue gauges from a Stats snapshot.
func Publish(stats store.Stats) {
	QueueWaiting.Set(float64(stats.Waiting))
	QueueActive.Set(float64(stats.Active))
	QueueDelayed.Set(float64(stats.Delayed))
	QueueCompleted.Set(float64(stats.Completed))
	QueueFailed.Set(float64(stats.Failed))
}
