package changelog

import (
	"context"
	"errors"
	"fmt"
)

// DefaultStartFlags requests job ids and extended flags, which the text
// format needs to render complete records.
const DefaultStartFlags = StartJobID | StartExtraFlags

// DefaultExtendedFields are the extended fields a cursor always enables
const DefaultExtendedFields = ExtraUIDGID | ExtraNID | ExtraOpenMode

// Cursor wraps one read session for the duration of a single batch
type Cursor struct {
	session  Session
	device   string
	start    uint64
	last     uint64
	received int
	closed   bool
}

// OpenCursor starts a session on device at position start and enables the
// extended fields in extra. A failure to enable them is reported wrapped in
// ErrExtendedFields and must be treated as a configuration error.
func OpenCursor(ctx context.Context, src Source, consumer, device string, start uint64, extra ExtraFlags) (*Cursor, error) {
	session, err := src.Start(ctx, consumer, DefaultStartFlags, device, start)
	if err != nil {
		return nil, fmt.Errorf("start changelog session on %s at %d: %w", device, start, err)
	}

	if err := session.SetExtendedFields(extra); err != nil {
		if finErr := session.Finish(); finErr != nil {
			err = errors.Join(err, finErr)
		}
		if !errors.Is(err, ErrExtendedFields) {
			err = fmt.Errorf("%w: %w", ErrExtendedFields, err)
		}
		return nil, err
	}

	return &Cursor{
		session: session,
		device:  device,
		start:   start,
	}, nil
}

// Next returns the next record. It returns ErrEndOfBatch when the session
// has nothing more to offer right now.
func (c *Cursor) Next(ctx context.Context) (Record, error) {
	if c.closed {
		return Record{}, ErrClosed
	}

	rec, err := c.session.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrEndOfBatch) {
			return Record{}, ErrEndOfBatch
		}
		return Record{}, fmt.Errorf("receive changelog record on %s: %w", c.device, err)
	}

	out := *rec
	c.session.Release(rec)

	if c.received > 0 && out.Index <= c.last {
		return Record{}, fmt.Errorf("changelog on %s went backwards: %d after %d", c.device, out.Index, c.last)
	}
	c.last = out.Index
	c.received++

	return out, nil
}

// Start returns the position the cursor was opened at
func (c *Cursor) Start() uint64 {
	return c.start
}

// Received returns the number of records returned by Next so far
func (c *Cursor) Received() int {
	return c.received
}

// Close finishes the underlying session. Calling Close twice is a no-op.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.session.Finish(); err != nil {
		return fmt.Errorf("finish changelog session on %s: %w", c.device, err)
	}
	return nil
}
