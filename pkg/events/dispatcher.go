package events

import (
	"github.com/juju/pubsub/v2"
	"go.uber.org/zap"
)

// Dispatcher is the host-wide event mechanism the bus mirrors into. Foreign
// listeners registered directly on the host see every published event.
type Dispatcher interface {
	// Dispatch delivers payload to every host listener of topic.
	Dispatch(topic string, payload any)
	// Register adds a host listener and returns the function that removes it.
	Register(owner, topic string, fn func(payload any)) (unregister func())
}

// NopDispatcher drops everything. It is used when the host has no event
// mechanism of its own.
type NopDispatcher struct{}

// Dispatch does nothing
func (NopDispatcher) Dispatch(string, any) {}

// Register does nothing and returns a no-op unregister
func (NopDispatcher) Register(string, string, func(any)) func() { return func() {} }

// HubDispatcher adapts a juju/pubsub SimpleHub. Listeners run on the hub's
// own goroutines, in publish order per listener.
type HubDispatcher struct {
	hub    *pubsub.SimpleHub
	logger *zap.Logger
}

// NewHubDispatcher creates a dispatcher over a new hub.
func NewHubDispatcher(log *zap.Logger) *HubDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "event_hub"))
	return &HubDispatcher{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: hubLogger{log.Sugar()},
		}),
		logger: log,
	}
}

// Hub returns the underlying hub so foreign listeners can subscribe directly.
func (h *HubDispatcher) Hub() *pubsub.SimpleHub { return h.hub }

// Dispatch publishes payload on topic without waiting for listeners.
func (h *HubDispatcher) Dispatch(topic string, payload any) {
	_ = h.hub.Publish(topic, payload)
}

// Register subscribes fn to topic.
func (h *HubDispatcher) Register(owner, topic string, fn func(payload any)) func() {
	h.logger.Debug("host listener registered", zap.String("owner", owner), zap.String("topic", topic))
	return h.hub.Subscribe(topic, func(_ string, data interface{}) {
		fn(data)
	})
}

// hubLogger routes hub diagnostics into zap. Trace output goes to debug.
type hubLogger struct {
	s *zap.SugaredLogger
}

func (l hubLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l hubLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l hubLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l hubLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
func (l hubLogger) Tracef(format string, args ...interface{})   { l.s.Debugf(format, args...) }
