// Package provider maps payment-provider notifications to state machine
// transitions. Each provider contributes an Adapter that authenticates
// and identifies raw deliveries, plus one Handler per event type.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/lalithlochan/payrelay/internal/db"
)

var (
	// ErrUnknownProvider means no adapter is registered under the name.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoHandler means the (provider, type) pair has no handler. The
	// dispatcher acknowledges such events without acting on them.
	ErrNoHandler = errors.New("no handler for event type")

	// ErrInvalidSignature is returned by Verify when authentication fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Handler maps one event type's payload to a transition request.
type Handler interface {
	HandleEvent(payload json.RawMessage) (*db.TransitionRequest, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(payload json.RawMessage) (*db.TransitionRequest, error)

func (f HandlerFunc) HandleEvent(payload json.RawMessage) (*db.TransitionRequest, error) {
	return f(payload)
}

// Identity is what the ledger needs to deduplicate a delivery.
type Identity struct {
	HookID  string
	EventID string
	Type    string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() string
	Verify(header http.Header, body []byte) error
	Identify(body []byte) (Identity, error)
	Handlers() map[string]Handler
}

type handlerKey struct {
	provider  string
	eventType string
}

// Registry routes events to handlers by (provider, type).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handlers map[handlerKey]Handler
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		handlers: make(map[handlerKey]Handler),
	}
	for _, a := range adapters {
		r.AddAdapter(a)
	}
	return r
}

// AddAdapter registers a provider and all of its handlers.
func (r *Registry) AddAdapter(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()

	for eventType, h := range a.Handlers() {
		r.Register(a.Name(), eventType, h)
	}
}

// Register adds or replaces the handler for (provider, eventType).
func (r *Registry) Register(provider, eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{provider, eventType}] = h
}

// Adapter returns the adapter registered under name.
func (r *Registry) Adapter(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// Lookup returns the handler for (provider, eventType).
func (r *Registry) Lookup(provider, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[handlerKey{provider, eventType}]
	return h, ok
}

// Handle routes payload to its handler and stamps the provider on the
// resulting request.
func (r *Registry) Handle(provider, eventType string, payload json.RawMessage) (*db.TransitionRequest, error) {
	h, ok := r.Lookup(provider, eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, provider, eventType)
	}

	req, err := h.HandleEvent(payload)
	if err != nil {
		return nil, err
	}
	req.Provider = provider
	if req.RawPayload == nil {
		req.RawPayload = payload
	}
	return req, nil
}
