// Package event provides the synchronous pub-sub bus that carries session
// lifecycle, task, and error events from the session manager to observers
// such as the real-time coordinator.
//
// # Main Types
//
//   - [Event]: Interface implemented by every event (EventType, Timestamp, Session)
//   - [Bus]: Synchronous dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Session lifecycle:
//   - [SessionStateChangedEvent]: a state machine transition
//   - [SessionProgressEvent]: progress and estimated completion after each outcome
//   - [PlanReadyEvent]: the plan for a session has been built
//
// Task and error:
//   - [TaskProgressEvent]: a task was dispatched or its outcome recorded
//   - [ErrorAlertEvent]: a classified failure and what recovery did about it
//
// # Delivery
//
// Publish calls handlers on the publishing goroutine and returns after the
// last one. A panicking handler is recovered and logged so the rest still
// receive the event.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeErrorAlert, func(e event.Event) {
//	    alert := e.(event.ErrorAlertEvent)
//	    log.Printf("%s: %s", alert.Category, alert.Message)
//	})
package event
