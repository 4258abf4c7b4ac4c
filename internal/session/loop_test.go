package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/465583030/heim/internal/protocol"
	"github.com/465583030/heim/internal/transport"
)

func TestRunSerializesEventsAndCommands(t *testing.T) {
	h := newHarness(t)
	events := make(chan transport.Event, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, events) }()

	p, err := protocol.Decode([]byte(logReply))
	require.NoError(t, err)
	events <- transport.Event{Status: transport.StatusOpen}
	events <- transport.Event{Status: transport.StatusReceive, Body: p}

	require.NoError(t, h.Do(ctx, func(m *Machine) { m.JoinRoom() }))

	size, err := Query(ctx, h.Machine, func(m *Machine) int {
		return m.State().Messages.Size()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	close(events)
	assert.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, make(chan transport.Event)) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
