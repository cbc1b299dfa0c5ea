package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// EventHandler processes a fire-and-forget domain event.
type EventHandler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// RPCHandler processes a request and publishes its own reply to the caller's
// private queue through the replier, copying the correlation id verbatim.
type RPCHandler interface {
	HandleRPC(ctx context.Context, payload json.RawMessage, addr ReplyAddress, replier Replier) error
}

// RPCHandlerFunc is a function adapter for RPCHandler.
type RPCHandlerFunc func(ctx context.Context, payload json.RawMessage, addr ReplyAddress, replier Replier) error

// HandleRPC implements RPCHandler.
func (f RPCHandlerFunc) HandleRPC(ctx context.Context, payload json.RawMessage, addr ReplyAddress, replier Replier) error {
	return f(ctx, payload, addr, replier)
}

// registration is one routing key bound to exactly one handler variant.
type registration struct {
	event EventHandler
	rpc   RPCHandler
}

// Registry maps exact routing keys to handlers. It is built once at process
// start and read-only afterwards; the wildcard queue binding controls what
// reaches the queue, the registry controls what gets handled.
type Registry struct {
	handlers map[string]registration
}

// Has reports whether a handler is registered for the exact key.
func (r *Registry) Has(key string) bool {
	_, ok := r.handlers[key]
	return ok
}

// Keys returns all registered routing keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) lookup(key string) (registration, bool) {
	reg, ok := r.handlers[key]
	return reg, ok
}

// RegistryBuilder collects handler registrations before the process starts
// consuming. Build validates the keys and freezes the mapping.
type RegistryBuilder struct {
	handlers map[string]registration
	errs     []error
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{handlers: make(map[string]registration)}
}

// OnEvent registers an event handler for the exact routing key.
func (b *RegistryBuilder) OnEvent(key string, handler EventHandler) *RegistryBuilder {
	b.register(key, registration{event: handler})
	return b
}

// OnEventFunc registers a function as an event handler.
func (b *RegistryBuilder) OnEventFunc(key string, handler EventHandlerFunc) *RegistryBuilder {
	return b.OnEvent(key, handler)
}

// OnRPC registers an RPC handler for the exact routing key.
func (b *RegistryBuilder) OnRPC(key string, handler RPCHandler) *RegistryBuilder {
	b.register(key, registration{rpc: handler})
	return b
}

// OnRPCFunc registers a function as an RPC handler.
func (b *RegistryBuilder) OnRPCFunc(key string, handler RPCHandlerFunc) *RegistryBuilder {
	return b.OnRPC(key, handler)
}

func (b *RegistryBuilder) register(key string, reg registration) {
	if err := RoutingKey(key).Validate(); err != nil {
		b.errs = append(b.errs, fmt.Errorf("routing key %q: %w", key, err))
		return
	}
	if reg.event == nil && reg.rpc == nil {
		b.errs = append(b.errs, fmt.Errorf("routing key %q: handler cannot be nil", key))
		return
	}
	if _, exists := b.handlers[key]; exists {
		b.errs = append(b.errs, fmt.Errorf("routing key %q: already registered", key))
		return
	}
	b.handlers[key] = reg
}

// Build freezes the registrations into an immutable Registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("invalid handler registrations: %v", b.errs)
	}

	handlers := make(map[string]registration, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	return &Registry{handlers: handlers}, nil
}
