package channel

import (
	"context"
	"sync"
)

// Handler receives inbound envelopes for a topic.
type Handler interface {
	HandleInbound(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Router maps topics to handlers. It outlives sessions: upload trackers
// register once and keep receiving across reconnects.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds h to topic, replacing any previous handler.
func (r *Router) Register(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

// Unregister removes the handler for topic.
func (r *Router) Unregister(topic string) {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
}

// Lookup returns the handler for topic.
func (r *Router) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()

	return h, ok
}

// Topics returns the registered topics in no particular order.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}

	return topics
}
