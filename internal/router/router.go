// Package router demultiplexes inbound envelopes to registered handlers by
// envelope type. It performs no business logic itself, so new event types
// are added by registering handlers, never by touching transport code.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/wire"
)

// Handler processes one inbound envelope. A returned error is logged and
// dropped; it never propagates past the router boundary.
type Handler func(env wire.Envelope) error

// Router maps envelope types to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// New creates an empty router.
func New(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs the handler for an envelope type, replacing any previous
// registration.
func (r *Router) Register(typ string, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Dispatch routes the envelope to its handler. Unknown types are logged at
// debug level and ignored: forward-incompatible events must never break the
// connection.
func (r *Router) Dispatch(env wire.Envelope) {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("dropping envelope with unknown type", zap.String("type", env.Type))
		return
	}

	if err := h(env); err != nil {
		r.logger.Warn("handler failed, envelope dropped",
			zap.String("type", env.Type),
			zap.Error(err))
	}
}
