package telemetry

// Histogram bucket definitions
var (
	// SinkOpBuckets for line writes and waits for a pipe reader
	SinkOpBuckets = []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 5, 30, 120, 600}

	// BatchSizeBuckets for records processed per batch
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Export loop metrics
var (
	// RecordsReadTotal counts records received from the changelog
	RecordsReadTotal Counter = NoopStat{}

	// RecordsFilteredTotal counts records dropped by type, by type mnemonic
	RecordsFilteredTotal CounterVec = noopCounterVec{}

	// LinesWrittenTotal counts lines written to the pipe
	LinesWrittenTotal Counter = NoopStat{}

	// BytesWrittenTotal counts bytes written to the pipe
	BytesWrittenTotal Counter = NoopStat{}

	// SinkOpSeconds measures sink latency by operation (open, write)
	SinkOpSeconds HistogramVec = noopHistogramVec{}

	// SinkReconnectsTotal counts successful pipe reopens after the first open
	SinkReconnectsTotal Counter = NoopStat{}

	// SinkErrorsTotal counts sink failures by operation (open, write, close)
	SinkErrorsTotal CounterVec = noopCounterVec{}

	// UpstreamErrorsTotal counts changelog failures by operation (start, receive, finish, acknowledge)
	UpstreamErrorsTotal CounterVec = noopCounterVec{}

	// AcknowledgesTotal counts acknowledge calls by result (success, failed)
	AcknowledgesTotal CounterVec = noopCounterVec{}

	// BatchRecords measures records processed per batch
	BatchRecords Histogram = NoopStat{}

	// CheckpointPosition is the last acknowledged index
	CheckpointPosition Gauge = NoopStat{}

	// HighWaterPosition is the highest index filtered or written
	HighWaterPosition Gauge = NoopStat{}

	// ExporterState is the current export loop state (0=READING_BATCH, 1=SINK_RECOVERY, 2=UPSTREAM_BACKOFF, 3=SHUTTING_DOWN)
	ExporterState Gauge = NoopStat{}

	// SinkConnected indicates if a reader is attached to the pipe (1=yes, 0=no)
	SinkConnected Gauge = NoopStat{}
)

// Changelog store metrics
var (
	// ChangelogLastIndex is the newest record index in the store
	ChangelogLastIndex Gauge = NoopStat{}

	// ChangelogBacklog tracks unacknowledged records by consumer
	ChangelogBacklog GaugeVec = noopGaugeVec{}

	// ChangelogConsumers tracks the number of registered consumers
	ChangelogConsumers Gauge = NoopStat{}

	// ChangelogAppendedTotal counts records appended through the admin API
	ChangelogAppendedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists; called by InitializeTelemetry.
func InitMetrics() {
	RecordsReadTotal = NewCounter(
		"records_read_total",
		"Total changelog records received",
	)
	RecordsFilteredTotal = NewCounterVec(
		"records_filtered_total",
		"Total changelog records excluded by type",
		[]string{"type"},
	)
	LinesWrittenTotal = NewCounter(
		"lines_written_total",
		"Total lines written to the pipe",
	)
	BytesWrittenTotal = NewCounter(
		"bytes_written_total",
		"Total bytes written to the pipe",
	)
	SinkOpSeconds = NewHistogramVec(
		"sink_op_seconds",
		"Latency of sink operations: a single line write, or the wait until a reader opened the pipe",
		[]string{"op"},
		SinkOpBuckets,
	)
	SinkReconnectsTotal = NewCounter(
		"sink_reconnects_total",
		"Total successful pipe reopens after a sink failure",
	)
	SinkErrorsTotal = NewCounterVec(
		"sink_errors_total",
		"Total sink failures by operation",
		[]string{"op"},
	)
	UpstreamErrorsTotal = NewCounterVec(
		"upstream_errors_total",
		"Total changelog failures by operation",
		[]string{"op"},
	)
	AcknowledgesTotal = NewCounterVec(
		"acknowledges_total",
		"Total acknowledge calls by result",
		[]string{"result"},
	)
	BatchRecords = NewHistogramWithBuckets(
		"batch_records",
		"Records processed per batch",
		BatchSizeBuckets,
	)
	CheckpointPosition = NewGauge(
		"checkpoint_position",
		"Last acknowledged changelog index",
	)
	HighWaterPosition = NewGauge(
		"high_water_position",
		"Highest changelog index filtered or written",
	)
	ExporterState = NewGauge(
		"exporter_state",
		"Export loop state (0=READING_BATCH, 1=SINK_RECOVERY, 2=UPSTREAM_BACKOFF, 3=SHUTTING_DOWN)",
	)
	SinkConnected = NewGauge(
		"sink_connected",
		"Whether a reader is attached to the pipe",
	)

	ChangelogLastIndex = NewGauge(
		"changelog_last_index",
		"Newest changelog index in the store",
	)
	ChangelogBacklog = NewGaugeVec(
		"changelog_backlog",
		"Unacknowledged changelog records by consumer",
		[]string{"consumer"},
	)
	ChangelogConsumers = NewGauge(
		"changelog_consumers",
		"Registered changelog consumers",
	)
	ChangelogAppendedTotal = NewCounter(
		"changelog_appended_total",
		"Total records appended through the admin API",
	)
}
