package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; all
// Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec
	historyPageSize        *prometheus.HistogramVec

	// Transfer Metrics
	transfersTotal        *prometheus.CounterVec
	transferDuration      *prometheus.HistogramVec
	transferLamportsTotal prometheus.Counter
	stagingCollisions     prometheus.Counter
	confirmationDuration  *prometheus.HistogramVec

	// Batch Metrics
	batchWavesTotal   prometheus.Counter
	batchDuration     *prometheus.HistogramVec
	batchTransfers    *prometheus.CounterVec
	batchWaveInFlight prometheus.Gauge

	// Sweep Metrics
	sweepRecordsTotal *prometheus.CounterVec
	sweepClosesTotal  *prometheus.CounterVec
	sweepGroupsTotal  *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec

	// Workflow Metrics
	workflowDuration        *prometheus.HistogramVec
	workflowExecutionsTotal *prometheus.CounterVec
	activityDuration        *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// MetricPrefix is prepended to every collector name.
const MetricPrefix = "stagehop_"

// NewMetrics registers every collector, named with a "stagehop_" prefix, on
// registry. A nil registry means prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(prometheus.WrapRegistererWithPrefix(MetricPrefix, registry))

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		historyPageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "history_page_records",
				Help:    "Number of records returned per history page",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"feed"},
		),

		// Transfer Metrics
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_total",
				Help: "Total number of mediated transfers by final state",
			},
			[]string{"state", "layers"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_duration_seconds",
				Help:    "Duration of a mediated transfer from validation to settlement",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"state"},
		),
		transferLamportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "transfer_lamports_total",
				Help: "Total lamports moved by settled transfers",
			},
		),
		stagingCollisions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "staging_collisions_total",
				Help: "Staging addresses found holding a balance before use",
			},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_duration_seconds",
				Help:    "Time from submission until the requested confirmation level",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		// Batch Metrics
		batchWavesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "batch_waves_total",
				Help: "Total number of batch waves executed",
			},
		),
		batchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_duration_seconds",
				Help:    "Duration of batch runs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		batchTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_transfers_total",
				Help: "Transfers run as part of a batch by outcome",
			},
			[]string{"outcome"},
		),
		batchWaveInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "batch_wave_in_flight",
				Help: "Transfers currently in flight in the running wave",
			},
		),

		// Sweep Metrics
		sweepRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_records_total",
				Help: "History records seen by the sweeper by disposition",
			},
			[]string{"disposition"},
		),
		sweepClosesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_closes_total",
				Help: "Staging accounts handled by the sweeper by result",
			},
			[]string{"result"},
		),
		sweepGroupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_groups_total",
				Help: "Close transactions submitted by the sweeper by status",
			},
			[]string{"status"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_duration_seconds",
				Help:    "Duration of sweep runs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"status"},
		),

		// Workflow Metrics
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Duration of workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow", "status"},
		),
		workflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of workflow executions",
			},
			[]string{"workflow", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordHistoryPage records how many records one history page returned.
func (m *Metrics) RecordHistoryPage(feed string, count int) {
	if m == nil {
		return
	}
	m.historyPageSize.WithLabelValues(feed).Observe(float64(count))
}

// Transfer metric helpers

// RecordTransfer records a transfer reaching a terminal state.
func (m *Metrics) RecordTransfer(state, layers string, lamports uint64, duration float64) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(state, layers).Inc()
	m.transferDuration.WithLabelValues(state).Observe(duration)
	if state == "settled" {
		m.transferLamportsTotal.Add(float64(lamports))
	}
}

// RecordStagingCollision records a staging address that already held lamports.
func (m *Metrics) RecordStagingCollision() {
	if m == nil {
		return
	}
	m.stagingCollisions.Inc()
}

// RecordConfirmation records how long a confirmation wait took.
func (m *Metrics) RecordConfirmation(status string, duration float64) {
	if m == nil {
		return
	}
	m.confirmationDuration.WithLabelValues(status).Observe(duration)
}

// Batch metric helpers

// RecordBatchWave records the start of a wave of size transfers.
func (m *Metrics) RecordBatchWave(size int) {
	if m == nil {
		return
	}
	m.batchWavesTotal.Inc()
	m.batchWaveInFlight.Set(float64(size))
}

// RecordBatchWaveDone clears the in-flight gauge after a wave barrier.
func (m *Metrics) RecordBatchWaveDone() {
	if m == nil {
		return
	}
	m.batchWaveInFlight.Set(0)
}

// RecordBatch records a finished batch.
func (m *Metrics) RecordBatch(status string, succeeded, failed int, duration float64) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(status).Observe(duration)
	m.batchTransfers.WithLabelValues("success").Add(float64(succeeded))
	m.batchTransfers.WithLabelValues("failure").Add(float64(failed))
}

// Sweep metric helpers

// RecordSweepRecords records history records by disposition
// ("candidate", "not_recognized", "malformed", ...).
func (m *Metrics) RecordSweepRecords(disposition string, count int) {
	if m == nil {
		return
	}
	m.sweepRecordsTotal.WithLabelValues(disposition).Add(float64(count))
}

// RecordSweepCloses records staging accounts by result ("closed", "already_closed", "failed").
func (m *Metrics) RecordSweepCloses(result string, count int) {
	if m == nil {
		return
	}
	m.sweepClosesTotal.WithLabelValues(result).Add(float64(count))
}

// RecordSweepGroup records one submitted close transaction.
func (m *Metrics) RecordSweepGroup(status string) {
	if m == nil {
		return
	}
	m.sweepGroupsTotal.WithLabelValues(status).Inc()
}

// RecordSweep records a finished sweep run.
func (m *Metrics) RecordSweep(status string, duration float64) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(status).Observe(duration)
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(workflow, status string, duration float64) {
	if m == nil {
		return
	}
	m.workflowDuration.WithLabelValues(workflow, status).Observe(duration)
	m.workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
