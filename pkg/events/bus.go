// Package events is the runtime's typed event bus. Every publish goes to two
// sinks: the host Dispatcher, for foreign listeners, and the handlers
// subscribed on the bus for exactly the event's concrete type.
//
//	sub, err := events.Subscribe(bus, "homes", func(e player.SessionStartEvent) error {
//	    return warmHomes(e.ID)
//	})
//	...
//	bus.Unsubscribe(sub)
//	sub.CancelHost()
//
// Handlers never stop delivery to each other: an error or panic is logged
// as a subscriber error and the next handler runs.
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/metrics"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Handler receives one event. The concrete type is the one it subscribed to.
type Handler func(event any) error

// Named events choose their own host topic. Other events use their Go type
// name.
type Named interface {
	EventName() string
}

// Envelope wraps the payloads the bus hands to its dispatcher so a mirrored
// registration can tell its own bus's events from foreign ones.
type Envelope struct {
	Event  any
	Origin *Bus
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id        uint64
	owner     string
	eventType reflect.Type
	handler   Handler

	hostMu     sync.Mutex
	cancelHost func()
}

// Owner returns the name the subscriber registered with
func (s *Subscription) Owner() string { return s.owner }

// EventType returns the subscribed event type
func (s *Subscription) EventType() reflect.Type { return s.eventType }

// CancelHost retracts the mirror registration from the host dispatcher.
// Unsubscribe does not do this.
func (s *Subscription) CancelHost() {
	s.hostMu.Lock()
	cancel := s.cancelHost
	s.cancelHost = nil
	s.hostMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Bus is the event bus service.
type Bus struct {
	logger     *zap.Logger
	dispatcher Dispatcher

	mu   sync.RWMutex
	subs map[reflect.Type]map[uint64]*Subscription

	nextID      atomic.Uint64
	published   atomic.Int64
	failures    atomic.Int64
	initialized atomic.Bool
}

// NewBus creates a bus that mirrors into dispatcher. A nil dispatcher is
// replaced by NopDispatcher.
func NewBus(dispatcher Dispatcher, log *zap.Logger) *Bus {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		logger:     log.With(zap.String("component", "events")),
		dispatcher: dispatcher,
		subs:       make(map[reflect.Type]map[uint64]*Subscription),
	}
}

// Name returns the service name
func (b *Bus) Name() string { return "events" }

// Initialize opens the bus for publish and subscribe.
func (b *Bus) Initialize(ctx context.Context) error {
	b.initialized.Store(true)
	b.logger.Info("event bus started", zap.String("dispatcher", fmt.Sprintf("%T", b.dispatcher)))
	return nil
}

// Shutdown closes the bus, drops every typed subscription and retracts their
// host mirrors.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.initialized.Store(false)

	b.mu.Lock()
	all := b.subs
	b.subs = make(map[reflect.Type]map[uint64]*Subscription)
	b.mu.Unlock()

	n := 0
	for _, byID := range all {
		for _, sub := range byID {
			sub.CancelHost()
			n++
		}
	}
	b.logger.Info("event bus stopped",
		zap.Int("subscriptions_dropped", n),
		zap.Int64("published", b.published.Load()),
		zap.Int64("subscriber_errors", b.failures.Load()))
	return nil
}

// IsInitialized reports whether the bus is open
func (b *Bus) IsInitialized() bool { return b.initialized.Load() }

// Publish delivers event to the host dispatcher and to the subscribers of
// its concrete type. Subscriber failures are logged and do not fail Publish.
func (b *Bus) Publish(event any) error {
	if !b.initialized.Load() {
		return xzerrors.New(xzerrors.ErrorTypeNotInitialized, "event bus is not running")
	}
	if event == nil {
		return xzerrors.New(xzerrors.ErrorTypeValidation, "event must not be nil")
	}

	t := reflect.TypeOf(event)
	topic := TopicOf(event)
	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(topic).Inc()

	b.dispatcher.Dispatch(topic, Envelope{Event: event, Origin: b})

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[t]))
	for _, sub := range b.subs[t] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
	return nil
}

// Subscribe registers handler for events whose concrete type is exactly
// eventType and mirrors the registration into the host dispatcher.
func (b *Bus) Subscribe(owner string, eventType reflect.Type, handler Handler) (*Subscription, error) {
	if !b.initialized.Load() {
		return nil, xzerrors.New(xzerrors.ErrorTypeNotInitialized, "event bus is not running")
	}
	if eventType == nil || handler == nil {
		return nil, xzerrors.New(xzerrors.ErrorTypeValidation, "event type and handler are required").
			WithDetail("owner", owner)
	}

	sub := &Subscription{
		id:        b.nextID.Add(1),
		owner:     owner,
		eventType: eventType,
		handler:   handler,
	}

	b.mu.Lock()
	byID, ok := b.subs[eventType]
	if !ok {
		byID = make(map[uint64]*Subscription)
		b.subs[eventType] = byID
	}
	byID[sub.id] = sub
	b.mu.Unlock()

	cancel := b.dispatcher.Register(owner, topicOfType(eventType), func(payload any) {
		if env, ok := payload.(Envelope); ok {
			if env.Origin == b {
				return
			}
			payload = env.Event
		}
		if payload == nil || reflect.TypeOf(payload) != eventType {
			return
		}
		b.deliver(sub, payload)
	})
	sub.hostMu.Lock()
	sub.cancelHost = cancel
	sub.hostMu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("owner", owner),
		zap.Stringer("event", eventType))
	return sub, nil
}

// Subscribe registers a handler typed to E.
func Subscribe[E any](b *Bus, owner string, fn func(E) error) (*Subscription, error) {
	return b.Subscribe(owner, reflect.TypeFor[E](), func(event any) error {
		return fn(event.(E))
	})
}

// Unsubscribe removes the typed registration. The host mirror stays until
// CancelHost is called. It reports whether sub was registered.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.subs[sub.eventType]
	if !ok {
		return false
	}
	if _, ok := byID[sub.id]; !ok {
		return false
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(b.subs, sub.eventType)
	}
	return true
}

// SubscriberCount returns the number of typed subscribers for eventType.
func (b *Bus) SubscriberCount(eventType reflect.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// SubscriberErrors returns the number of failed deliveries so far.
func (b *Bus) SubscriberErrors() int64 { return b.failures.Load() }

func (b *Bus) deliver(sub *Subscription, event any) {
	err := safeInvoke(sub.handler, event)
	if err == nil {
		return
	}

	b.failures.Add(1)
	metrics.SubscriberErrors.WithLabelValues(TopicOf(event)).Inc()
	serr := xzerrors.Wrap(err, xzerrors.ErrorTypeSubscriber, "event subscriber failed").
		WithDetail("owner", sub.owner).
		WithDetail("event", sub.eventType.String())
	b.logger.Warn("event subscriber failed",
		zap.String("owner", sub.owner),
		zap.Stringer("event", sub.eventType),
		zap.Error(serr))
}

func safeInvoke(h Handler, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(event)
}

// TopicOf returns the host topic for event.
func TopicOf(event any) string {
	if n, ok := event.(Named); ok {
		return n.EventName()
	}
	return reflect.TypeOf(event).String()
}

func topicOfType(t reflect.Type) (topic string) {
	if t.Kind() == reflect.Interface || !t.Implements(reflect.TypeFor[Named]()) {
		return t.String()
	}
	defer func() {
		if recover() != nil {
			topic = t.String()
		}
	}()
	return reflect.Zero(t).Interface().(Named).EventName()
}
