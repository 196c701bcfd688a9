package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "merchstream_ingester_"

type Metrics struct {
	dbErrorsCounter     *prometheus.CounterVec
	rowsStagedCounter   *prometheus.CounterVec
	rowsFailedCounter   *prometheus.CounterVec
	rowsPromotedCounter *prometheus.CounterVec
	chunksCounter       *prometheus.CounterVec
	replayedCounter     prometheus.Counter
}

var m = newMetrics(prefix)

func Get() *Metrics {
	return m
}

func newMetrics(prefix string) *Metrics {
	return &Metrics{
		dbErrorsCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "db_errors",
				Help: "Number of database errors grouped by operation",
			},
			[]string{"operation"},
		),
		rowsStagedCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "rows_staged",
				Help: "Number of rows written to staging tables",
			},
			[]string{"dataType"},
		),
		rowsFailedCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "rows_failed",
				Help: "Number of rows rejected during validation or staging",
			},
			[]string{"dataType"},
		),
		rowsPromotedCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "rows_promoted",
				Help: "Number of staged rows promoted to production tables",
			},
			[]string{"dataType"},
		),
		chunksCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "chunks_processed",
				Help: "Number of chunks processed grouped by outcome",
			},
			[]string{"outcome"},
		),
		replayedCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "idempotent_replays",
				Help: "Number of submissions answered from a stored idempotency record",
			},
		),
	}
}

func (m *Metrics) RecordDBError(operation string) {
	m.dbErrorsCounter.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordRowsStaged(dataType string, count int) {
	m.rowsStagedCounter.WithLabelValues(dataType).Add(float64(count))
}

func (m *Metrics) RecordRowsFailed(dataType string, count int) {
	m.rowsFailedCounter.WithLabelValues(dataType).Add(float64(count))
}

func (m *Metrics) RecordRowsPromoted(dataType string, count int64) {
	m.rowsPromotedCounter.WithLabelValues(dataType).Add(float64(count))
}

func (m *Metrics) RecordChunkProcessed(outcome string) {
	m.chunksCounter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordIdempotentReplay() {
	m.replayedCounter.Inc()
}
