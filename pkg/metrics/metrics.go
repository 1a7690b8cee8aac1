// Package metrics exposes the coordinator's Prometheus counters and gauges.
//
// Counters:
//   - coordinator_admissions_total{endpoint,outcome}: allowed, rate_limited,
//     quota_exhausted, quota_unknown, cache_error
//   - coordinator_tasks_assigned_total{kind}: new or redelivered
//   - coordinator_tasks_empty_total: GetTask calls that found no task
//   - coordinator_tasks_submitted_total{status}
//   - coordinator_aggregation_enqueued_total / _dropped_total
//   - coordinator_aggregation_written_total / _skipped_total
//   - coordinator_broadcast_rotated_total
//   - coordinator_bonus_rows_total
//   - coordinator_loop_errors_total{loop}
//
// Gauges:
//   - coordinator_aggregation_pending
//   - coordinator_aggregation_buffered
//   - coordinator_sockets_connected
//   - coordinator_rotation_queue_length
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coordinator"

type Collector struct {
	admissions     *prometheus.CounterVec
	tasksAssigned  *prometheus.CounterVec
	tasksEmpty     prometheus.Counter
	tasksSubmitted *prometheus.CounterVec

	aggEnqueued prometheus.Counter
	aggDropped  prometheus.Counter
	aggWritten  prometheus.Counter
	aggSkipped  prometheus.Counter
	aggPending  prometheus.Gauge
	aggBuffered prometheus.Gauge

	rotated   prometheus.Counter
	connected prometheus.Gauge
	queueLen  prometheus.Gauge

	bonusRows  prometheus.Counter
	loopErrors *prometheus.CounterVec
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		tasksAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_assigned_total",
			Help:      "Tasks handed to nodes, new claims or re-deliveries",
		}, []string{"kind"}),
		tasksEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_empty_total",
			Help:      "Task polls that returned no task",
		}),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Task results recorded by final status",
		}, []string{"status"}),
		aggEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_enqueued_total",
			Help:      "Aggregate updates accepted by the pipeline",
		}),
		aggDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_dropped_total",
			Help:      "Aggregate updates dropped because the pipeline was full",
		}),
		aggWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_written_total",
			Help:      "Aggregate rows written",
		}),
		aggSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_skipped_total",
			Help:      "Aggregate rows skipped because they were locked",
		}),
		aggPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregation_pending",
			Help:      "Coalesced aggregate updates waiting for the next flush",
		}),
		aggBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregation_buffered",
			Help:      "Aggregate updates queued in the pipeline buffer, not yet consumed",
		}),
		rotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_rotated_total",
			Help:      "Identities selected by the fairness rotation",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_connected",
			Help:      "Live sockets in the registry",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rotation_queue_length",
			Help:      "Identities in the fairness rotation",
		}),
		bonusRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonus_rows_total",
			Help:      "Aggregate rows credited by the bonus job",
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Failed iterations of background loops",
		}, []string{"loop"}),
	}

	reg.MustRegister(
		c.admissions, c.tasksAssigned, c.tasksEmpty, c.tasksSubmitted,
		c.aggEnqueued, c.aggDropped, c.aggWritten, c.aggSkipped, c.aggPending, c.aggBuffered,
		c.rotated, c.connected, c.queueLen,
		c.bonusRows, c.loopErrors,
	)
	return c
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (c *Collector) RecordAdmission(endpoint, outcome string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(endpoint, outcome).Inc()
}

func (c *Collector) RecordAssignment(redelivered bool) {
	if c == nil {
		return
	}
	kind := "new"
	if redelivered {
		kind = "redelivered"
	}
	c.tasksAssigned.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordEmptyPoll() {
	if c == nil {
		return
	}
	c.tasksEmpty.Inc()
}

func (c *Collector) RecordSubmission(status string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(status).Inc()
}

func (c *Collector) RecordEnqueued() {
	if c == nil {
		return
	}
	c.aggEnqueued.Inc()
}

func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.aggDropped.Inc()
}

// RecordFlush counts one flush of the aggregation consumer.
func (c *Collector) RecordFlush(written, skipped, pending int) {
	if c == nil {
		return
	}
	c.aggWritten.Add(float64(written))
	c.aggSkipped.Add(float64(skipped))
	c.aggPending.Set(float64(pending))
}

func (c *Collector) SetAggregationBuffered(n int) {
	if c == nil {
		return
	}
	c.aggBuffered.Set(float64(n))
}

func (c *Collector) RecordRotation(n int) {
	if c == nil {
		return
	}
	c.rotated.Add(float64(n))
}

func (c *Collector) SetConnected(n int) {
	if c == nil {
		return
	}
	c.connected.Set(float64(n))
}

func (c *Collector) SetQueueLen(n int) {
	if c == nil {
		return
	}
	c.queueLen.Set(float64(n))
}

func (c *Collector) RecordBonus(rows int64) {
	if c == nil {
		return
	}
	c.bonusRows.Add(float64(rows))
}

func (c *Collector) RecordLoopError(loop string) {
	if c == nil {
		return
	}
	c.loopErrors.WithLabelValues(loop).Inc()
}
