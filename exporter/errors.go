package exporter

import "fmt"

// UpstreamError is a recoverable failure talking to the changelog source.
// The export loop backs off and retries from the same position.
type UpstreamError struct {
	Op       string
	Position uint64
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s at %d: %v", e.Op, e.Position, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// SinkError is a recoverable failure of the downstream pipe. The export
// loop reconnects and re-delivers everything past the last checkpoint.
type SinkError struct {
	Op    string
	Index uint64
	Err   error
}

func (e *SinkError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sink %s of record %d: %v", e.Op, e.Index, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
