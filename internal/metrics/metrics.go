// Package metrics collects and exposes Prometheus metrics for the
// orchestrator, following RED (Rate, Errors, Duration) and USE
// (Utilization, Saturation, Errors) monitoring conventions: a Collector
// struct holding pre-registered counters/gauges/histograms, one
// Record*/Set* method per event, and a StartServer method exposing
// /metrics via promhttp. Each Collector owns its own registry so
// multiple instances (one per Engine in tests) never collide.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every orchestrator metric and the registry they are
// registered against.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsDuplicate  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsTimedOut   prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobsRequeued   prometheus.Counter

	jobLatency    prometheus.Histogram
	dispatchDelay prometheus.Histogram

	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge

	robotsOnline  prometheus.Gauge
	robotsBusy    prometheus.Gauge
	robotsOffline prometheus.Gauge

	dispatchFailures prometheus.Counter
	robotLossEvents  prometheus.Counter

	walAppendLatency  prometheus.Histogram
	snapshotDuration  prometheus.Histogram
	recoveryDuration  prometheus.Gauge

	triggerFires   *prometheus.CounterVec
	scheduleFires  *prometheus.CounterVec
}

// NewCollector builds every metric and registers it against a fresh
// registry owned by the returned Collector.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_enqueued_total",
			Help: "Total number of jobs accepted onto the queue",
		}),
		jobsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_duplicate_total",
			Help: "Total number of enqueue attempts rejected as duplicates",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_dispatched_total",
			Help: "Total number of jobs handed to a robot",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_completed_total",
			Help: "Total number of jobs that completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_failed_total",
			Help: "Total number of jobs that reported failure",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_timed_out_total",
			Help: "Total number of jobs reclaimed by lease expiry",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_requeued_total",
			Help: "Total number of jobs returned to the queue after robot loss or rejection",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_job_latency_seconds",
			Help:    "Job latency from start (or from queue entry, if never started) to terminal state",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_delay_seconds",
			Help:    "Time a job spends QUEUED before being dispatched",
			Buckets: prometheus.DefBuckets,
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_queued",
			Help: "Current number of jobs waiting to be dispatched",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_running",
			Help: "Current number of jobs assigned and in flight",
		}),
		robotsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_robots_online",
			Help: "Current number of robots able to accept work",
		}),
		robotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_robots_busy",
			Help: "Current number of robots at full concurrent capacity",
		}),
		robotsOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_robots_offline",
			Help: "Current number of robots offline or failed",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dispatch_send_failures_total",
			Help: "Total number of job_assign sends that failed",
		}),
		robotLossEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_robot_loss_events_total",
			Help: "Total number of robots marked OFFLINE due to transport failure or stale heartbeat",
		}),
		walAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_wal_append_seconds",
			Help:    "Latency of a WAL Append call, including batch-commit wait",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_snapshot_seconds",
			Help:    "Duration of a full snapshot write",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_recovery_seconds",
			Help: "Duration of the most recent startup recovery (snapshot load + WAL replay)",
		}),
		triggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_trigger_fires_total",
			Help: "Total number of trigger fires, by trigger type",
		}, []string{"trigger_type"}),
		scheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_schedule_fires_total",
			Help: "Total number of schedule fires, by frequency",
		}, []string{"frequency"}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsDuplicate, c.jobsDispatched, c.jobsCompleted,
		c.jobsFailed, c.jobsTimedOut, c.jobsCancelled, c.jobsRequeued,
		c.jobLatency, c.dispatchDelay,
		c.jobsQueued, c.jobsRunning,
		c.robotsOnline, c.robotsBusy, c.robotsOffline,
		c.dispatchFailures, c.robotLossEvents,
		c.walAppendLatency, c.snapshotDuration, c.recoveryDuration,
		c.triggerFires, c.scheduleFires,
	)

	return c
}

func (c *Collector) RecordEnqueue()   { c.jobsEnqueued.Inc() }
func (c *Collector) RecordDuplicate() { c.jobsDuplicate.Inc() }

func (c *Collector) RecordDispatch(queuedForSeconds float64) {
	c.jobsDispatched.Inc()
	c.dispatchDelay.Observe(queuedForSeconds)
}

func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

func (c *Collector) RecordFailed(latencySeconds float64) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latencySeconds)
}

func (c *Collector) RecordTimedOut()  { c.jobsTimedOut.Inc() }
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }
func (c *Collector) RecordRequeued()  { c.jobsRequeued.Inc() }

func (c *Collector) RecordDispatchFailure() { c.dispatchFailures.Inc() }
func (c *Collector) RecordRobotLoss()       { c.robotLossEvents.Inc() }

func (c *Collector) UpdateQueueStats(queued, running int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

func (c *Collector) UpdateFleetStats(online, busy, offline int) {
	c.robotsOnline.Set(float64(online))
	c.robotsBusy.Set(float64(busy))
	c.robotsOffline.Set(float64(offline))
}

func (c *Collector) ObserveWALAppend(seconds float64)  { c.walAppendLatency.Observe(seconds) }
func (c *Collector) ObserveSnapshot(seconds float64)   { c.snapshotDuration.Observe(seconds) }
func (c *Collector) SetRecoveryDuration(seconds float64) { c.recoveryDuration.Set(seconds) }

func (c *Collector) RecordTriggerFire(triggerType string) {
	c.triggerFires.WithLabelValues(triggerType).Inc()
}

func (c *Collector) RecordScheduleFire(frequency string) {
	c.scheduleFires.WithLabelValues(frequency).Inc()
}

// StartServer serves /metrics on the given port until ctx is cancelled.
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
