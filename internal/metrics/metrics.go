// Package metrics exposes Prometheus collectors for the ingest pipeline and the
// mutation orchestrator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "accession"

type Metrics struct {
	batches         *prometheus.CounterVec
	objectsIngested prometheus.Counter
	ingestWaits     prometheus.Counter
	conflictRetries *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	rollbacks       prometheus.Counter
	queueDepth      prometheus.Gauge
	taskActive      prometheus.Gauge
}

func New(r prometheus.Registerer) *Metrics {
	f := promauto.With(r)
	return &Metrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches that left the ingest task, by outcome (finished, failed, stopped).",
		}, []string{"outcome"}),
		objectsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_ingested_total",
			Help:      "Objects ingested and verified.",
		}),
		ingestWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_waits_total",
			Help:      "Ingest calls that timed out and were resolved by polling.",
		}),
		conflictRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflict_retries_total",
			Help:      "Optimistic-lock retries, by document name.",
		}, []string{"document"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Move and delete operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "move_rollbacks_total",
			Help:      "Compensating move rollbacks attempted.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready_batches",
			Help:      "Ready batches waiting in the queue at the last poll.",
		}),
		taskActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_task_active",
			Help:      "1 while the supervisor runs a task.",
		}),
	}
}

func (m *Metrics) BatchDone(outcome string) {
	if m != nil {
		m.batches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObjectIngested() {
	if m != nil {
		m.objectsIngested.Inc()
	}
}

func (m *Metrics) IngestWait() {
	if m != nil {
		m.ingestWaits.Inc()
	}
}

func (m *Metrics) ConflictRetry(document string) {
	if m != nil {
		m.conflictRetries.WithLabelValues(document).Inc()
	}
}

func (m *Metrics) Mutation(op, outcome string) {
	if m != nil {
		m.mutations.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) Rollback() {
	if m != nil {
		m.rollbacks.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetTaskActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.taskActive.Set(1)
	} else {
		m.taskActive.Set(0)
	}
}
