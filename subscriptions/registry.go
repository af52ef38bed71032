// Package subscriptions keeps the topic-keyed table of live broker
// subscriptions: at most one per key, released by key or by prefix, and
// replayed whenever the transport session reconnects.
package subscriptions

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/transport"
)

// Broker is the part of transport.Session the registry needs
type Broker interface {
	Subscribe(destination string, handler transport.Handler) (*transport.Subscription, error)
	Watch(fn func(connected bool)) (cancel func())
}

type entry struct {
	destination string
	handler     transport.Handler
	live        *transport.Subscription
}

// Registry maps topic keys to subscriptions on one Broker
type Registry struct {
	broker  Broker
	logger  *zap.Logger
	unwatch func()

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a Registry and starts watching broker for reconnects
func NewRegistry(broker Broker, log *zap.Logger) *Registry {
	r := &Registry{
		broker:  broker,
		logger:  logger.OrNop(log).Named("subscriptions"),
		entries: make(map[string]*entry),
	}
	r.unwatch = broker.Watch(r.onConnectionChange)
	return r
}

// Subscribe routes destination to handler under key, cancelling whatever was
// registered under key before. When the broker is disconnected nothing is
// recorded and the error is returned; the caller subscribes again after the
// next connect.
func (r *Registry) Subscribe(key, destination string, handler transport.Handler) error {
	r.Unsubscribe(key)

	sub, err := r.broker.Subscribe(destination, handler)
	if err != nil {
		r.logger.Warn("subscribe failed", zap.String("key", key), zap.String("destination", destination), zap.Error(err))
		return fmt.Errorf("subscribe %s: %w", key, err)
	}

	r.mu.Lock()
	previous := r.entries[key]
	r.entries[key] = &entry{destination: destination, handler: handler, live: sub}
	r.mu.Unlock()

	// a concurrent Subscribe for the same key may have landed in between
	if previous != nil && previous.live != nil {
		previous.live.Cancel()
	}
	return nil
}

// Unsubscribe cancels and forgets key. Unknown keys are ignored.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok && e.live != nil {
		e.live.Cancel()
	}
}

// UnsubscribeAll cancels and forgets every key starting with prefix. An empty
// prefix releases everything.
func (r *Registry) UnsubscribeAll(prefix string) {
	r.mu.Lock()
	var released []*entry
	for key, e := range r.entries {
		if strings.HasPrefix(key, prefix) {
			released = append(released, e)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, e := range released {
		if e.live != nil {
			e.live.Cancel()
		}
	}
}

// Has reports whether key is registered
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns the registered keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close stops watching the broker and releases every subscription
func (r *Registry) Close() {
	r.unwatch()
	r.UnsubscribeAll("")
}

func (r *Registry) onConnectionChange(connected bool) {
	if !connected {
		r.mu.Lock()
		for _, e := range r.entries {
			e.live = nil
		}
		r.mu.Unlock()
		return
	}
	r.replay()
}

// replay re-subscribes every registered key on the fresh connection
func (r *Registry) replay() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)

	for _, key := range keys {
		r.mu.Lock()
		e, ok := r.entries[key]
		r.mu.Unlock()
		if !ok {
			continue
		}

		sub, err := r.broker.Subscribe(e.destination, e.handler)
		if err != nil {
			r.logger.Warn("replay failed", zap.String("key", key), zap.Error(err))
			continue
		}

		r.mu.Lock()
		current, still := r.entries[key]
		if still && current == e {
			stale := e.live
			e.live = sub
			r.mu.Unlock()
			if stale != nil {
				stale.Cancel()
			}
			continue
		}
		r.mu.Unlock()
		// unsubscribed or replaced while we were replaying
		sub.Cancel()
	}

	r.logger.Info("subscriptions replayed", zap.Int("count", len(keys)))
}
