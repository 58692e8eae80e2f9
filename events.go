package taskpool

import (
	"context"
	"time"

	"github.com/zoobzio/hookz"
)

// EventKind tags a lifecycle Event.
type EventKind int

const (
	EventWorkerStarted EventKind = iota
	EventWorkerDied
	EventBreakerOpened
	EventBreakerClosed
	EventScaledUp
	EventScaledDown
	EventShutdownInitiated
	EventShutdownComplete
)

func (k EventKind) String() string {
	switch k {
	case EventWorkerStarted:
		return "WorkerStarted"
	case EventWorkerDied:
		return "WorkerDied"
	case EventBreakerOpened:
		return "BreakerOpened"
	case EventBreakerClosed:
		return "BreakerClosed"
	case EventScaledUp:
		return "ScaledUp"
	case EventScaledDown:
		return "ScaledDown"
	case EventShutdownInitiated:
		return "ShutdownInitiated"
	case EventShutdownComplete:
		return "ShutdownComplete"
	default:
		return "Unknown"
	}
}

// Event is one lifecycle event delivered to Pool subscribers.
type Event struct {
	Kind      EventKind
	WorkerID  int64
	ExitCode  int
	Timestamp time.Time
}

var eventKeys = map[EventKind]hookz.Key{
	EventWorkerStarted:     hookz.Key("event.worker-started"),
	EventWorkerDied:        hookz.Key("event.worker-died"),
	EventBreakerOpened:     hookz.Key("event.breaker-opened"),
	EventBreakerClosed:     hookz.Key("event.breaker-closed"),
	EventScaledUp:          hookz.Key("event.scaled-up"),
	EventScaledDown:        hookz.Key("event.scaled-down"),
	EventShutdownInitiated: hookz.Key("event.shutdown-initiated"),
	EventShutdownComplete:  hookz.Key("event.shutdown-complete"),
}

// EventBus is the façade's subscribable lifecycle-event stream, implemented
// as a single hookz.Hooks[Event] with one hookz.Key per event kind plus a
// Subscribe convenience that hooks every key at once — the "wildcard
// subscription is explicit API, not a string-matched event name" design
// note from spec.md §9.
type EventBus struct {
	hooks *hookz.Hooks[Event]
}

// NewEventBus builds an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{hooks: hookz.New[Event]()}
}

// Emit publishes ev to every handler subscribed to ev.Kind.
func (b *EventBus) Emit(ev Event) {
	_ = b.hooks.Emit(context.Background(), eventKeys[ev.Kind], ev)
}

// On subscribes handler to exactly one event kind.
func (b *EventBus) On(kind EventKind, handler func(context.Context, Event) error) error {
	_, err := b.hooks.Hook(eventKeys[kind], handler)
	return err
}

// Subscribe hooks every event kind at once, the module's explicit
// "wildcard" subscription API.
func (b *EventBus) Subscribe(handler func(Event)) error {
	for _, key := range eventKeys {
		_, err := b.hooks.Hook(key, func(_ context.Context, ev Event) error {
			handler(ev)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying hook registry.
func (b *EventBus) Close() error {
	b.hooks.Close()
	return nil
}
