package session

import (
	"context"

	"github.com/465583030/heim/internal/transport"
)

// Run owns the Machine until ctx is done or events is closed, applying
// transport events and queued commands one at a time.
func (m *Machine) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.HandleEvent(ev)
		case fn := <-m.commands:
			fn(m)
		}
	}
}

// Do queues fn to run on the goroutine executing Run. It blocks while the
// queue is full and gives up when ctx is done.
func (m *Machine) Do(ctx context.Context, fn func(*Machine)) error {
	select {
	case m.commands <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs fn on the Run goroutine and waits for its result.
func Query[T any](ctx context.Context, m *Machine, fn func(*Machine) T) (T, error) {
	out := make(chan T, 1)
	var zero T
	if err := m.Do(ctx, func(m *Machine) { out <- fn(m) }); err != nil {
		return zero, err
	}
	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
