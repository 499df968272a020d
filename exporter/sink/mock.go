package sink

import (
	"context"
	"sync"
)

// MockSink is a mock implementation of the exporter sink for testing
type MockSink struct {
	// WriteErr is returned by the write with number FailOnWrite (1-based,
	// counting every attempt). Zero never fails.
	WriteErr    error
	FailOnWrite int

	// OpenErr is returned by the next OpenFailures calls to Open
	OpenErr      error
	OpenFailures int

	// BlockOpen makes Open wait for ctx to be cancelled
	BlockOpen bool

	// OnOpen and OnWrite are called after a successful Open or Write
	OnOpen  func()
	OnWrite func(line string)

	mu      sync.Mutex
	lines   []string
	open    bool
	writes  int
	opens   int
	closes  int
	removed bool
}

// Open marks the sink open
func (m *MockSink) Open(ctx context.Context) error {
	m.mu.Lock()
	block := m.BlockOpen
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.OpenFailures > 0 {
		m.OpenFailures--
		m.mu.Unlock()
		return m.OpenErr
	}
	m.open = true
	m.opens++
	hook := m.OnOpen
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// Write records a line for later inspection in tests
func (m *MockSink) Write(line []byte) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrNotOpen
	}
	m.writes++
	if m.FailOnWrite > 0 && m.writes == m.FailOnWrite {
		m.mu.Unlock()
		return m.WriteErr
	}
	m.lines = append(m.lines, string(line))
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(string(line))
	}
	return nil
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.open = false
		m.closes++
	}
	return nil
}

// Remove records that the sink was removed
func (m *MockSink) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
	return nil
}

// Lines returns the lines written so far
func (m *MockSink) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}

// Opens returns the number of successful Open calls
func (m *MockSink) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns the number of Close calls on an open sink
func (m *MockSink) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Removed reports whether Remove was called
func (m *MockSink) Removed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

// IsOpen reports whether the sink is currently open
func (m *MockSink) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
