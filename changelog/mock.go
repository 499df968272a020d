package changelog

import (
	"context"
	"fmt"
	"sync"
)

// MockSource is an in-memory Source for testing. Failure fields make the
// corresponding call fail the given number of times before succeeding.
type MockSource struct {
	Device   string
	Consumer string

	StartErr      error
	StartFailures int

	ExtendedErr error

	// ReceiveErr is returned once, right after the record with index
	// ReceiveErrAfter has been handed out
	ReceiveErr      error
	ReceiveErrAfter uint64

	FinishErr      error
	FinishFailures int

	AckErr      error
	AckFailures int

	mu         sync.Mutex
	records    []Record
	checkpoint uint64
	starts     []uint64
	acks       []uint64
	open       int
}

var _ Source = (*MockSource)(nil)
var _ CheckpointReader = (*MockSource)(nil)

// Add appends records; their indexes must be increasing
func (m *MockSource) Add(records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// SetCheckpoint sets the stored checkpoint without recording an ack
func (m *MockSource) SetCheckpoint(cp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = cp
}

// Acks returns the positions passed to successful Acknowledge calls
func (m *MockSource) Acks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.acks))
	copy(out, m.acks)
	return out
}

// Starts returns the positions passed to Start
func (m *MockSource) Starts() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.starts))
	copy(out, m.starts)
	return out
}

// OpenSessions returns the number of sessions not yet finished
func (m *MockSource) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockSource) checkIdentity(device, consumer string) error {
	if m.Device != "" && device != m.Device {
		return fmt.Errorf("unknown device %q", device)
	}
	if m.Consumer != "" && consumer != m.Consumer {
		return fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	return nil
}

func (m *MockSource) Checkpoint(device, consumer string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIdentity(device, consumer); err != nil {
		return 0, err
	}
	return m.checkpoint, nil
}

func (m *MockSource) Start(ctx context.Context, consumer string, flags StartFlags, device string, position uint64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.starts = append(m.starts, position)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkIdentity(device, consumer); err != nil {
		return nil, err
	}
	if m.StartFailures > 0 {
		m.StartFailures--
		return nil, m.StartErr
	}

	if position <= m.checkpoint {
		position = m.checkpoint + 1
	}

	var pending []Record
	for _, rec := range m.records {
		if rec.Index >= position {
			pending = append(pending, rec)
		}
	}

	m.open++
	return &mockSession{src: m, pending: pending}, nil
}

func (m *MockSource) Acknowledge(ctx context.Context, device, consumer string, position uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdentity(device, consumer); err != nil {
		return err
	}
	if m.AckFailures > 0 {
		m.AckFailures--
		return m.AckErr
	}
	m.acks = append(m.acks, position)
	if position > m.checkpoint {
		m.checkpoint = position
	}
	return nil
}

type mockSession struct {
	src      *MockSource
	pending  []Record
	finished bool
}

func (s *mockSession) SetExtendedFields(mask ExtraFlags) error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if s.src.ExtendedErr != nil {
		return s.src.ExtendedErr
	}
	return nil
}

func (s *mockSession) Receive(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.src.mu.Lock()
	defer s.src.mu.Unlock()

	if s.src.ReceiveErr != nil && s.src.ReceiveErrAfter == 0 {
		err := s.src.ReceiveErr
		s.src.ReceiveErr = nil
		return nil, err
	}
	if len(s.pending) == 0 {
		return nil, ErrEndOfBatch
	}

	rec := s.pending[0]
	s.pending = s.pending[1:]
	if s.src.ReceiveErr != nil && rec.Index == s.src.ReceiveErrAfter {
		s.src.ReceiveErrAfter = 0
	}
	return &rec, nil
}

func (s *mockSession) Release(*Record) {}

func (s *mockSession) Finish() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()

	if s.finished {
		return nil
	}
	s.finished = true
	s.src.open--

	if s.src.FinishFailures > 0 {
		s.src.FinishFailures--
		return s.src.FinishErr
	}
	return nil
}
