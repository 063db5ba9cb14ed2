package hooks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrCancel is returned by a hook to veto the operation it observes.
// Only "before" events honour it; it is ignored everywhere else.
var ErrCancel = errors.New("hooks: operation cancelled")

// Event names a lifecycle point of an owner (connection, producer, consumer)
type Event string

// ID identifies a registered hook so it can be removed with Off
type ID string

// Func is a hook callback. Returning ErrCancel (or an error wrapping it)
// asks the owner to skip the step that follows the event.
type Func[P any] func(ctx context.Context, payload P) error

// Bus dispatches events of a single owner to its registered hooks
type Bus[P any] struct {
	owner  string
	logger *slog.Logger
	mu     sync.RWMutex
	hooks  map[Event]map[ID]Func[P]
}

// NewBus creates a hook bus for the named owner
func NewBus[P any](owner string, logger *slog.Logger) *Bus[P] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus[P]{
		owner:  owner,
		logger: logger,
		hooks:  make(map[Event]map[ID]Func[P]),
	}
}

// Owner returns the name the bus was created with
func (b *Bus[P]) Owner() string {
	return b.owner
}

// On registers one or more hooks for an event and returns their IDs in
// the same order.
func (b *Bus[P]) On(event Event, fns ...Func[P]) []ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	registered, ok := b.hooks[event]
	if !ok {
		registered = make(map[ID]Func[P])
		b.hooks[event] = registered
	}

	ids := make([]ID, 0, len(fns))
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		id := ID(uuid.New().String())
		registered[id] = fn
		ids = append(ids, id)
	}
	return ids
}

// Off unregisters hooks. Unknown IDs are ignored.
func (b *Bus[P]) Off(event Event, ids ...ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	registered, ok := b.hooks[event]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(registered, id)
	}
	if len(registered) == 0 {
		delete(b.hooks, event)
	}
}

// Len returns the number of hooks registered for an event
func (b *Bus[P]) Len(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hooks[event])
}

// Trigger runs every hook registered for event concurrently and waits for
// all of them. Hook errors and panics are logged and never escape. The
// result is false when at least one hook returned ErrCancel.
func (b *Bus[P]) Trigger(ctx context.Context, event Event, payload P) bool {
	b.mu.RLock()
	fns := make([]Func[P], 0, len(b.hooks[event]))
	for _, fn := range b.hooks[event] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	if len(fns) == 0 {
		return true
	}

	var cancelled atomic.Bool
	var wg conc.WaitGroup
	for _, fn := range fns {
		wg.Go(func() {
			var err error
			var pc panics.Catcher
			pc.Try(func() {
				err = fn(ctx, payload)
			})

			if r := pc.Recovered(); r != nil {
				b.logger.Error("hook panicked",
					"owner", b.owner,
					"event", event,
					"panic", r.Value,
				)
				return
			}

			switch {
			case err == nil:
			case errors.Is(err, ErrCancel):
				cancelled.Store(true)
			default:
				b.logger.Error("hook failed",
					"owner", b.owner,
					"event", event,
					"error", err,
				)
			}
		})
	}
	wg.Wait()

	return !cancelled.Load()
}
