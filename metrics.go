package dtx

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	conflictsTotal          = metrics.NewCounter("dtx_conflicts_total")
	durabilityTimeoutsTotal = metrics.NewCounter("dtx_durability_timeouts_total")
	sweptRecordsTotal       = metrics.NewCounter("dtx_cleanup_records_resolved_total")
	sweepErrorsTotal        = metrics.NewCounter("dtx_cleanup_errors_total")
	sweepDuration           = metrics.NewHistogram("dtx_cleanup_sweep_duration_seconds")
	activeTransactions      = metrics.NewCounter("dtx_active_transactions")
)

// ObserveCommit counts a finished commit by outcome and records its latency.
func ObserveCommit(outcome Outcome, startTime time.Time) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`dtx_commits_total{outcome=%q}`, outcome.String())).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`dtx_commit_duration_seconds{outcome=%q}`, outcome.String())).UpdateDuration(startTime)
}

// ObserveRollback counts a finished rollback.
func ObserveRollback() {
	metrics.GetOrCreateCounter("dtx_rollbacks_total").Inc()
}

// ObserveConflict counts a stage or commit lost to a concurrent writer.
func ObserveConflict() {
	conflictsTotal.Inc()
}

// ObserveDurabilityTimeout counts writes whose durability was not confirmed in time.
func ObserveDurabilityTimeout() {
	durabilityTimeoutsTotal.Inc()
}

// TransactionStarted and TransactionEnded track the active transaction gauge.
func TransactionStarted() {
	activeTransactions.Inc()
}

func TransactionEnded() {
	activeTransactions.Dec()
}

// ObserveSweep records one sweeper cycle.
func ObserveSweep(resolved int, failed bool, startTime time.Time) {
	sweptRecordsTotal.Add(resolved)
	if failed {
		sweepErrorsTotal.Inc()
	}
	sweepDuration.UpdateDuration(startTime)
}

// WriteMetrics writes all metrics in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
