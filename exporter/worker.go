package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Default records per cursor session
	DefaultBatchSize = 1
	// Default sleep after an upstream failure or an empty changelog
	DefaultBackoffInterval = time.Second
	// Default first delay before reopening a sink that failed to open
	DefaultReconnectInitial = 100 * time.Millisecond
	// Default cap for the reopen delay
	DefaultReconnectMax = 5 * time.Second
)

// Sink is the downstream end of the exporter. Open blocks until the sink
// can accept writes or ctx is cancelled. A Write error invalidates the
// handle until the next Open.
type Sink interface {
	Open(ctx context.Context) error
	Write(line []byte) error
	Close() error
	Remove() error
}

// State of the export loop
type State int32

const (
	StateReadingBatch State = iota
	StateSinkRecovery
	StateUpstreamBackoff
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateReadingBatch:
		return "READING_BATCH"
	case StateSinkRecovery:
		return "SINK_RECOVERY"
	case StateUpstreamBackoff:
		return "UPSTREAM_BACKOFF"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures an Exporter
type Config struct {
	Device           string               // Changelog device, e.g. lustre-MDT0000
	Consumer         string               // Registered consumer id, e.g. cl1
	Source           changelog.Source     // Changelog to drain
	Sink             Sink                 // Destination for formatted lines
	Filter           *TypeFilter          // Excluded types (nil excludes nothing)
	Formatter        *Formatter           // Line renderer (default: NewFormatter(Device, 0))
	BatchSize        int                  // Records per cursor session
	BackoffInterval  time.Duration        // Sleep after upstream failure or empty changelog
	ReconnectInitial time.Duration        // First delay after a failed sink open
	ReconnectMax     time.Duration        // Cap for the sink open delay
	ExtendedFields   changelog.ExtraFlags // Extended fields to request (default changelog.DefaultExtendedFields)
}

// Status is a point in time snapshot of the export loop
type Status struct {
	Device          string    `json:"device"`
	Consumer        string    `json:"consumer"`
	State           State     `json:"state"`
	SinkConnected   bool      `json:"sink_connected"`
	HighWater       uint64    `json:"high_water"`
	Acknowledged    uint64    `json:"acknowledged"`
	RecordsRead     uint64    `json:"records_read"`
	RecordsFiltered uint64    `json:"records_filtered"`
	LinesWritten    uint64    `json:"lines_written"`
	BytesWritten    uint64    `json:"bytes_written"`
	SinkReconnects  uint64    `json:"sink_reconnects"`
	UpstreamErrors  uint64    `json:"upstream_errors"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Exporter drains a changelog into a sink. Run is single threaded; only
// Status may be called concurrently.
type Exporter struct {
	config Config

	// highWater is the highest index filtered or written in the current
	// run of batches; acked is the last position acknowledged upstream.
	// undelivered holds the high water of a batch aborted by a sink
	// failure until the sink is back.
	highWater   uint64
	acked       uint64
	undelivered uint64

	ready     bool
	connected bool
	opens     uint64
	state     State

	reconnect backoff.BackOff
	idle      backoff.BackOff

	status   Status
	snapshot atomic.Pointer[Status]
}

// NewExporter validates config and creates an Exporter
func NewExporter(config Config) (*Exporter, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("device is required")
	}
	if config.Consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("changelog source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	// Set defaults
	if config.Formatter == nil {
		config.Formatter = NewFormatter(config.Device, 0)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BackoffInterval <= 0 {
		config.BackoffInterval = DefaultBackoffInterval
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = DefaultReconnectInitial
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = config.ReconnectInitial
	}
	if config.ExtendedFields == 0 {
		config.ExtendedFields = changelog.DefaultExtendedFields
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = config.ReconnectInitial
	reconnect.MaxInterval = config.ReconnectMax
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	e := &Exporter{
		config:    config,
		state:     StateReadingBatch,
		reconnect: reconnect,
		idle:      backoff.NewConstantBackOff(config.BackoffInterval),
		status: Status{
			Device:   config.Device,
			Consumer: config.Consumer,
			State:    StateReadingBatch,
		},
	}
	e.publish()
	return e, nil
}

// Status returns the latest published snapshot. Safe for concurrent use.
func (e *Exporter) Status() Status {
	return *e.snapshot.Load()
}

// Preflight loads the consumer's checkpoint and checks that a session can
// be started with the requested extended fields. Failures are setup errors.
func (e *Exporter) Preflight(ctx context.Context) error {
	if reader, ok := e.config.Source.(changelog.CheckpointReader); ok {
		cp, err := reader.Checkpoint(e.config.Device, e.config.Consumer)
		if err != nil {
			return &UpstreamError{Op: "checkpoint", Err: err}
		}
		e.highWater = cp
		e.acked = cp
	}

	cur, err := changelog.OpenCursor(ctx, e.config.Source, e.config.Consumer, e.config.Device, e.highWater+1, e.config.ExtendedFields)
	if err != nil {
		return &UpstreamError{Op: "start", Position: e.highWater + 1, Err: err}
	}
	if err := cur.Close(); err != nil {
		return &UpstreamError{Op: "finish", Position: e.highWater + 1, Err: err}
	}

	e.ready = true
	e.status.HighWater = e.highWater
	e.status.Acknowledged = e.acked
	e.publish()
	telemetry.CheckpointPosition.Set(float64(e.acked))
	telemetry.HighWaterPosition.Set(float64(e.highWater))

	log.Info().
		Str("device", e.config.Device).
		Str("consumer", e.config.Consumer).
		Uint64("checkpoint", e.acked).
		Int("batch_size", e.config.BatchSize).
		Str("exclude", e.config.Filter.String()).
		Msg("Changelog preflight complete")
	return nil
}

// Run drives the export loop until ctx is cancelled or a fatal error
// occurs. A cancelled context is a graceful shutdown and returns nil after
// the pipe was removed. Fatal errors (line overflow, extended field setup)
// are returned without acknowledging the batch they occurred in.
func (e *Exporter) Run(ctx context.Context) error {
	if !e.ready {
		if err := e.Preflight(ctx); err != nil {
			return err
		}
	}

	log.Info().
		Str("device", e.config.Device).
		Str("consumer", e.config.Consumer).
		Uint64("position", e.highWater+1).
		Msg("Starting changelog export")

	if err := e.connect(ctx); err != nil {
		return e.shutdown(ctx)
	}

	for {
		if ctx.Err() != nil {
			return e.shutdown(ctx)
		}

		switch e.state {
		case StateReadingBatch:
			next, err := e.readBatch(ctx)
			if err != nil {
				e.fail(err)
				return err
			}
			e.transition(next)

		case StateSinkRecovery:
			e.disconnect()
			if ctx.Err() != nil {
				return e.shutdown(ctx)
			}
			if err := e.connect(ctx); err != nil {
				return e.shutdown(ctx)
			}
			e.undelivered = 0
			e.transition(StateReadingBatch)

		case StateUpstreamBackoff:
			if sleep(ctx, e.idle.NextBackOff()) {
				e.transition(StateReadingBatch)
			}
		}
	}
}

// readBatch processes one cursor session and returns the next state. Only
// fatal errors are returned.
func (e *Exporter) readBatch(ctx context.Context) (State, error) {
	batchStart := e.highWater
	position := batchStart + 1

	cur, err := changelog.OpenCursor(ctx, e.config.Source, e.config.Consumer, e.config.Device, position, e.config.ExtendedFields)
	if err != nil {
		if errors.Is(err, changelog.ErrExtendedFields) {
			return StateShuttingDown, fmt.Errorf("enable extended fields on %s: %w", e.config.Device, err)
		}
		if ctx.Err() != nil {
			return StateShuttingDown, nil
		}
		e.upstreamFailure(&UpstreamError{Op: "start", Position: position, Err: err})
		return StateUpstreamBackoff, nil
	}

	var (
		count    int
		readErr  *UpstreamError
		drained  bool
		canceled bool
	)

	for count < e.config.BatchSize {
		rec, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, changelog.ErrEndOfBatch) {
				drained = true
			} else {
				readErr = &UpstreamError{Op: "receive", Position: e.highWater + 1, Err: err}
			}
			break
		}
		count++
		e.status.RecordsRead++
		telemetry.RecordsReadTotal.Inc()

		if rec.Index <= batchStart {
			log.Warn().
				Uint64("index", rec.Index).
				Uint64("position", position).
				Msg("Ignoring changelog record before cursor position")
			continue
		}

		if e.config.Filter.IsExcluded(rec.Type) {
			e.highWater = rec.Index
			e.status.RecordsFiltered++
			telemetry.RecordsFilteredTotal.With(rec.Type.String()).Inc()
		} else {
			line, err := e.config.Formatter.Format(rec)
			if err != nil {
				if closeErr := cur.Close(); closeErr != nil {
					log.Warn().Err(closeErr).Msg("Failed to finish changelog session")
				}
				return StateShuttingDown, err
			}

			start := time.Now()
			if err := e.config.Sink.Write(line); err != nil {
				sinkErr := &SinkError{Op: "write", Index: rec.Index, Err: err}
				e.sinkFailure(sinkErr)

				// Everything written so far goes out again after recovery
				e.undelivered = e.highWater
				e.highWater = batchStart
				e.publishPositions()

				if closeErr := cur.Close(); closeErr != nil {
					log.Warn().Err(closeErr).Msg("Failed to finish changelog session")
				}
				return StateSinkRecovery, nil
			}
			telemetry.SinkOpSeconds.With("write").Observe(time.Since(start).Seconds())
			telemetry.LinesWrittenTotal.Inc()
			telemetry.BytesWrittenTotal.Add(float64(len(line)))

			e.highWater = rec.Index
			e.status.LinesWritten++
			e.status.BytesWritten += uint64(len(line))
		}

		if ctx.Err() != nil {
			canceled = true
			break
		}
	}

	if err := cur.Close(); err != nil && readErr == nil {
		readErr = &UpstreamError{Op: "finish", Position: position, Err: err}
	}
	telemetry.BatchRecords.Observe(float64(count))

	e.acknowledge(ctx)
	e.publishPositions()

	switch {
	case canceled:
		return StateShuttingDown, nil
	case readErr != nil:
		if ctx.Err() != nil {
			return StateShuttingDown, nil
		}
		e.upstreamFailure(readErr)
		return StateUpstreamBackoff, nil
	case drained:
		return StateUpstreamBackoff, nil
	default:
		return StateReadingBatch, nil
	}
}

// acknowledge advances the upstream checkpoint to the high water mark.
// A failed acknowledgement is retried with the next batch.
func (e *Exporter) acknowledge(ctx context.Context) {
	position := max(e.highWater, e.undelivered)
	if position <= e.acked {
		return
	}

	err := e.config.Source.Acknowledge(context.WithoutCancel(ctx), e.config.Device, e.config.Consumer, position)
	if err != nil {
		telemetry.AcknowledgesTotal.With("failed").Inc()
		e.upstreamFailure(&UpstreamError{Op: "acknowledge", Position: position, Err: err})
		return
	}

	telemetry.AcknowledgesTotal.With("success").Inc()
	telemetry.CheckpointPosition.Set(float64(position))
	log.Debug().
		Str("consumer", e.config.Consumer).
		Uint64("position", position).
		Msg("Acknowledged changelog records")
	e.acked = position
}

// connect opens the sink, retrying until it succeeds or ctx is cancelled
func (e *Exporter) connect(ctx context.Context) error {
	e.reconnect.Reset()
	log.Info().Msg("Waiting for sink reader")
	start := time.Now()

	for {
		err := e.config.Sink.Open(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := e.reconnect.NextBackOff()
		e.sinkFailure(&SinkError{Op: "open", Err: err})
		log.Debug().Dur("retry_delay", delay).Msg("Retrying sink open")
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}

	telemetry.SinkOpSeconds.With("open").Observe(time.Since(start).Seconds())
	e.connected = true
	e.status.SinkConnected = true
	if e.opens > 0 {
		e.status.SinkReconnects++
		telemetry.SinkReconnectsTotal.Inc()
	}
	e.opens++
	e.publish()
	telemetry.SinkConnected.Set(1)
	log.Info().Msg("Sink reader attached")
	return nil
}

// disconnect discards the sink handle
func (e *Exporter) disconnect() {
	if !e.connected {
		return
	}
	if err := e.config.Sink.Close(); err != nil {
		telemetry.SinkErrorsTotal.With("close").Inc()
		log.Warn().Err(err).Msg("Failed to close sink")
	}
	e.connected = false
	e.status.SinkConnected = false
	e.publish()
	telemetry.SinkConnected.Set(0)
}

// shutdown acknowledges everything delivered, closes and removes the sink
func (e *Exporter) shutdown(ctx context.Context) error {
	e.transition(StateShuttingDown)

	e.acknowledge(ctx)
	e.publishPositions()
	e.disconnect()

	if err := e.config.Sink.Remove(); err != nil {
		telemetry.SinkErrorsTotal.With("remove").Inc()
		log.Warn().Err(err).Msg("Failed to remove sink")
	}

	log.Info().
		Str("device", e.config.Device).
		Str("consumer", e.config.Consumer).
		Uint64("checkpoint", e.acked).
		Msg("Changelog export stopped")
	return nil
}

func (e *Exporter) transition(next State) {
	if next == e.state {
		return
	}

	var ev *zerolog.Event
	switch {
	case next == StateSinkRecovery || next == StateShuttingDown:
		ev = log.Info()
	default:
		ev = log.Debug()
	}
	ev.Str("from", e.state.String()).
		Str("to", next.String()).
		Uint64("high_water", e.highWater).
		Uint64("acknowledged", e.acked).
		Msg("Export loop state transition")

	e.state = next
	e.status.State = next
	e.publish()
	telemetry.ExporterState.Set(float64(next))
}

func (e *Exporter) upstreamFailure(err *UpstreamError) {
	e.status.UpstreamErrors++
	e.status.LastError = err.Error()
	e.publish()
	telemetry.UpstreamErrorsTotal.With(err.Op).Inc()
	log.Warn().
		Err(err.Err).
		Str("op", err.Op).
		Uint64("position", err.Position).
		Msg("Changelog operation failed")
}

func (e *Exporter) sinkFailure(err *SinkError) {
	e.status.LastError = err.Error()
	e.publish()
	telemetry.SinkErrorsTotal.With(err.Op).Inc()
	log.Warn().
		Err(err.Err).
		Str("op", err.Op).
		Uint64("index", err.Index).
		Msg("Sink operation failed")
}

func (e *Exporter) fail(err error) {
	e.status.LastError = err.Error()
	e.publish()
	log.Error().
		Err(err).
		Str("device", e.config.Device).
		Uint64("high_water", e.highWater).
		Msg("Changelog export failed")
}

func (e *Exporter) publishPositions() {
	e.status.HighWater = e.highWater
	e.status.Acknowledged = e.acked
	e.publish()
	telemetry.HighWaterPosition.Set(float64(e.highWater))
}

func (e *Exporter) publish() {
	s := e.status
	s.UpdatedAt = time.Now()
	e.snapshot.Store(&s)
}

// sleep sleeps for the given duration, checking ctx
// Returns true if sleep completed, false if cancelled
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
