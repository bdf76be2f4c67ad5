package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BatchDone("finished")
	m.BatchDone("failed")
	m.BatchDone("finished")
	m.ConflictRetry("RELS-EXT")
	m.Mutation("move", "ok")
	m.SetQueueDepth(3)
	m.SetTaskActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches.WithLabelValues("finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflictRetries.WithLabelValues("RELS-EXT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("move", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskActive))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BatchDone("finished")
		m.ObjectIngested()
		m.IngestWait()
		m.ConflictRetry("x")
		m.Mutation("delete", "ok")
		m.Rollback()
		m.SetQueueDepth(1)
		m.SetTaskActive(false)
	})
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
