package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name string
}

const testEvent Event = "test.event"

func TestBus(t *testing.T) {
	t.Run("Trigger without hooks returns true", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)

		assert.True(t, bus.Trigger(context.Background(), testEvent, testPayload{}))
		assert.Equal(t, "owner", bus.Owner())
	})

	t.Run("Trigger invokes every hook with the payload", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		var calls atomic.Int32
		hook := func(ctx context.Context, p testPayload) error {
			assert.Equal(t, "x", p.Name)
			calls.Add(1)
			return nil
		}

		ids := bus.On(testEvent, hook, hook, hook)
		require.Len(t, ids, 3)
		assert.Equal(t, 3, bus.Len(testEvent))

		assert.True(t, bus.Trigger(context.Background(), testEvent, testPayload{Name: "x"}))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("ErrCancel from any hook vetoes", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		bus.On(testEvent,
			func(ctx context.Context, p testPayload) error { return nil },
			func(ctx context.Context, p testPayload) error { return fmt.Errorf("policy: %w", ErrCancel) },
		)

		assert.False(t, bus.Trigger(context.Background(), testEvent, testPayload{}))
	})

	t.Run("hook errors and panics do not escape", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		bus.On(testEvent,
			func(ctx context.Context, p testPayload) error { return errors.New("boom") },
			func(ctx context.Context, p testPayload) error { panic("kaboom") },
		)

		assert.NotPanics(t, func() {
			assert.True(t, bus.Trigger(context.Background(), testEvent, testPayload{}))
		})
	})

	t.Run("Off removes only the given hooks", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		var first, second atomic.Int32
		ids := bus.On(testEvent,
			func(ctx context.Context, p testPayload) error { first.Add(1); return nil },
			func(ctx context.Context, p testPayload) error { second.Add(1); return nil },
		)

		bus.Off(testEvent, ids[0])
		bus.Trigger(context.Background(), testEvent, testPayload{})

		assert.Equal(t, int32(0), first.Load())
		assert.Equal(t, int32(1), second.Load())

		bus.Off(testEvent, ids[1], "unknown")
		assert.Equal(t, 0, bus.Len(testEvent))
	})

	t.Run("events are isolated", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		bus.On("other", func(ctx context.Context, p testPayload) error { return ErrCancel })

		assert.True(t, bus.Trigger(context.Background(), testEvent, testPayload{}))
		assert.False(t, bus.Trigger(context.Background(), "other", testPayload{}))
	})

	t.Run("nil hooks are skipped", func(t *testing.T) {
		bus := NewBus[testPayload]("owner", nil)
		ids := bus.On(testEvent, nil)

		assert.Empty(t, ids)
		assert.Equal(t, 0, bus.Len(testEvent))
	})
}
