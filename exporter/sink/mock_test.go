package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSink_RecordsLines(t *testing.T) {
	m := &MockSink{}
	assert.ErrorIs(t, m.Write([]byte("early\n")), ErrNotOpen)

	require.NoError(t, m.Open(context.Background()))
	require.NoError(t, m.Write([]byte("a\n")))
	require.NoError(t, m.Write([]byte("b\n")))

	assert.Equal(t, []string{"a\n", "b\n"}, m.Lines())
	assert.Equal(t, 1, m.Opens())
	assert.True(t, m.IsOpen())

	require.NoError(t, m.Close())
	assert.Equal(t, 1, m.Closes())
	assert.False(t, m.IsOpen())

	require.NoError(t, m.Remove())
	assert.True(t, m.Removed())
}

func TestMockSink_FailOnWrite(t *testing.T) {
	boom := errors.New("broken pipe")
	m := &MockSink{WriteErr: boom, FailOnWrite: 2}
	require.NoError(t, m.Open(context.Background()))

	require.NoError(t, m.Write([]byte("1\n")))
	assert.ErrorIs(t, m.Write([]byte("2\n")), boom)
	require.NoError(t, m.Write([]byte("3\n")))
	assert.Equal(t, []string{"1\n", "3\n"}, m.Lines())
}

func TestMockSink_OpenFailuresAndBlocking(t *testing.T) {
	boom := errors.New("no such device")
	m := &MockSink{OpenErr: boom, OpenFailures: 1}
	assert.ErrorIs(t, m.Open(context.Background()), boom)
	require.NoError(t, m.Open(context.Background()))

	blocking := &MockSink{BlockOpen: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, blocking.Open(ctx), context.DeadlineExceeded)
	assert.Zero(t, blocking.Opens())
}
