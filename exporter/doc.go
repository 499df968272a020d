// Package exporter drains a changelog into a line oriented sink.
//
// The Exporter reads records in batches through a changelog.Cursor, drops
// the types excluded by its TypeFilter, renders the rest with a Formatter
// and writes one line per record to the Sink. After every batch it
// acknowledges the highest index that was either filtered or written, so a
// crash between a write and the acknowledgement re-delivers records instead
// of losing them.
//
// # State machine
//
//	READING_BATCH     open a cursor at high water + 1, process up to BatchSize records
//	SINK_RECOVERY     close the failed sink and block until a reader reattaches
//	UPSTREAM_BACKOFF  sleep BackoffInterval after a read error or an empty changelog
//	SHUTTING_DOWN     acknowledge what was delivered, close and remove the pipe
//
// Cancelling the context passed to Run requests SHUTTING_DOWN. It is
// observed after each record, before opening a cursor, during the backoff
// sleep and while waiting for a reader.
//
// Example:
//
//	exp, err := exporter.NewExporter(exporter.Config{
//		Device:    "lustre-MDT0000",
//		Consumer:  "cl1",
//		Source:    log,
//		Sink:      fifo,
//		Filter:    filter,
//		Formatter: exporter.NewFormatter("lustre-MDT0000", 0),
//	})
//	if err != nil {
//		return err
//	}
//	if err := exp.Preflight(ctx); err != nil {
//		return err
//	}
//	return exp.Run(ctx)
package exporter
