package voice

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EventSink receives the typed provider events a session reacts to.
type EventSink interface {
	OnCallStart()
	OnCallEnd()
	OnMessage(msg Message)
	OnSpeechStart()
	OnSpeechEnd()
	OnError(err error)
}

// Binding holds the six provider subscriptions owned by one mounted session.
type Binding struct {
	logger   *logrus.Logger
	provider Provider
	subs     []Subscription
	closed   atomic.Bool
	once     sync.Once
}

// Bind subscribes sink to every kind in EventKinds. If any subscription fails the
// ones already acquired are released before the error is returned.
func Bind(logger *logrus.Logger, provider Provider, sink EventSink) (*Binding, error) {
	b := &Binding{
		logger:   logger,
		provider: provider,
		subs:     make([]Subscription, 0, len(EventKinds)),
	}

	for _, kind := range EventKinds {
		sub, err := provider.Subscribe(kind, b.dispatch(kind, sink))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("subscribe %s: %w", kind, err)
		}
		b.subs = append(b.subs, sub)
	}

	logger.WithField("subscriptions", len(b.subs)).Debug("Bound session to voice provider events")
	return b, nil
}

func (b *Binding) dispatch(kind EventKind, sink EventSink) Handler {
	return func(ev Event) {
		if b.closed.Load() {
			return
		}
		switch kind {
		case EventCallStart:
			sink.OnCallStart()
		case EventCallEnd:
			sink.OnCallEnd()
		case EventMessage:
			if ev.Message != nil {
				sink.OnMessage(*ev.Message)
			}
		case EventSpeechStart:
			sink.OnSpeechStart()
		case EventSpeechEnd:
			sink.OnSpeechEnd()
		case EventError:
			sink.OnError(ev.Err)
		}
	}
}

// Closed reports whether the binding has been released.
func (b *Binding) Closed() bool {
	return b.closed.Load()
}

// Close releases every subscription. Only the first call has an effect.
func (b *Binding) Close() {
	b.once.Do(func() {
		b.closed.Store(true)
		for _, sub := range b.subs {
			b.provider.Unsubscribe(sub)
		}
		b.logger.WithField("subscriptions", len(b.subs)).Debug("Released voice provider subscriptions")
		b.subs = nil
	})
}
