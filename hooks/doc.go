// Package hooks provides a small generic event bus used to instrument the
// connection, producer and consumer pipelines.
//
// Each owner creates its own Bus parameterized by the payload type of its
// events. Hooks registered for "before" events may veto the step that
// follows by returning ErrCancel:
//
//	bus := hooks.NewBus[messaging.PublishEvent]("producer", logger)
//	ids := bus.On(messaging.EventBeforePublish, func(ctx context.Context, e messaging.PublishEvent) error {
//		if e.Queue == "audit" {
//			return hooks.ErrCancel
//		}
//		return nil
//	})
//	defer bus.Off(messaging.EventBeforePublish, ids...)
//
// Hooks run concurrently; their errors and panics are logged and never
// reach the component that triggered the event.
package hooks
