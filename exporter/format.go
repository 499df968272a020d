package exporter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lauditd/lauditd/changelog"
)

// DefaultMaxLineBytes keeps every line within PIPE_BUF so a single write
// to the pipe is atomic.
const DefaultMaxLineBytes = 4096

// TimeLayout renders record timestamps with microseconds and the zone offset
const TimeLayout = "2006-01-02T15:04:05.000000-0700"

// ErrLineOverflow is returned when a record renders longer than the line bound
var ErrLineOverflow = errors.New("formatted record exceeds line bound")

// Formatter renders changelog records as single text lines
type Formatter struct {
	device   string
	limit    int
	location *time.Location
	buf      []byte
}

// NewFormatter creates a formatter for records of device. A limit <= 0
// selects DefaultMaxLineBytes.
func NewFormatter(device string, limit int) *Formatter {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	return &Formatter{
		device:   device,
		limit:    limit,
		location: time.Local,
		buf:      make([]byte, 0, limit),
	}
}

// WithLocation sets the zone timestamps are rendered in
func (f *Formatter) WithLocation(loc *time.Location) *Formatter {
	if loc != nil {
		f.location = loc
	}
	return f
}

// Limit returns the maximum line length in bytes, newline included
func (f *Formatter) Limit() int {
	return f.limit
}

// Format renders rec terminated by a newline. The returned slice is only
// valid until the next call.
func (f *Formatter) Format(rec changelog.Record) ([]byte, error) {
	b := f.buf[:0]

	b = rec.Time.In(f.location).AppendFormat(b, TimeLayout)
	b = append(b, " mdt="...)
	b = append(b, f.device...)
	b = append(b, " id="...)
	b = strconv.AppendUint(b, rec.Index, 10)
	b = append(b, " type="...)
	b = appendPadded(b, rec.Type.String(), 5)
	b = append(b, " flags=0x"...)
	b = strconv.AppendUint(b, uint64(rec.Flags&changelog.FlagMask), 16)

	if rec.HasExtra(changelog.ExtraUIDGID) {
		b = append(b, " uid="...)
		b = strconv.AppendUint(b, rec.UID, 10)
		b = append(b, " gid="...)
		b = strconv.AppendUint(b, rec.GID, 10)
	}
	if rec.Flags&changelog.FlagJobID != 0 && rec.JobID != "" {
		b = append(b, " jobid="...)
		b = appendEscaped(b, rec.JobID, false)
	}
	if rec.HasExtra(changelog.ExtraNID) {
		b = append(b, " nid="...)
		b = appendEscaped(b, rec.NID, false)
	}

	b = append(b, " target="...)
	b = rec.Target.AppendText(b)

	if rec.Flags&changelog.FlagRename != 0 && !rec.Source.IsZero() {
		b = append(b, " source="...)
		b = rec.Source.AppendText(b)
		b = append(b, " source_parent="...)
		b = rec.SourceParent.AppendText(b)
		b = append(b, ` source_name="`...)
		b = appendEscaped(b, rec.SourceName, true)
		b = append(b, '"')
	}
	if rec.Name != "" {
		b = append(b, " parent="...)
		b = rec.Parent.AppendText(b)
		b = append(b, ` name="`...)
		b = appendEscaped(b, rec.Name, true)
		b = append(b, '"')
	}
	b = append(b, '\n')

	if len(b) > f.limit {
		return nil, fmt.Errorf("%w: record %d is %d bytes, limit %d", ErrLineOverflow, rec.Index, len(b), f.limit)
	}

	f.buf = b
	return b, nil
}

const hexDigits = "0123456789abcdef"

// appendEscaped appends s with control bytes, backslash and double quote
// escaped so a value can never end the line or its quoted segment. Outside
// quotes spaces are escaped as well. Other bytes, UTF-8 included, pass
// through unchanged.
func appendEscaped(b []byte, s string, quoted bool) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' || c == '"':
			b = append(b, '\\', c)
		case c == '\n':
			b = append(b, '\\', 'n')
		case c == '\r':
			b = append(b, '\\', 'r')
		case c == '\t':
			b = append(b, '\\', 't')
		case c < 0x20 || c == 0x7f || (c == ' ' && !quoted):
			b = append(b, '\\', 'x', hexDigits[c>>4], hexDigits[c&0xf])
		default:
			b = append(b, c)
		}
	}
	return b
}

func appendPadded(b []byte, s string, width int) []byte {
	b = append(b, s...)
	for i := len(s); i < width; i++ {
		b = append(b, ' ')
	}
	return b
}
