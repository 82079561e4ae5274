package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// ErrUnknownKind is returned by Decode for an event type nobody registered
var ErrUnknownKind = errors.New("serialization: payload kind not registered")

// PayloadRegistry maps event kinds to the Go types their payloads decode into
type PayloadRegistry interface {
	// Register binds a kind to the struct type of prototype
	Register(kind string, prototype any) error

	// Decode unmarshals the event payload into a new instance of the
	// registered type and returns a pointer to it
	Decode(event *contracts.Event) (any, error)

	// IsRegistered checks if a kind is registered
	IsRegistered(kind string) bool

	// Kinds returns all registered kinds, sorted
	Kinds() []string
}

// Registry is the default PayloadRegistry
type Registry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]reflect.Type),
	}
}

// NewDefaultRegistry creates a registry that knows the built-in kinds
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(contracts.KindMessage, contracts.Message{}); err != nil {
		panic(err)
	}
	return r
}

// Register binds kind to the struct type of prototype. Registering the same
// type twice is allowed; rebinding a kind to a different type is not.
func (r *Registry) Register(kind string, prototype any) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if prototype == nil {
		return fmt.Errorf("prototype for %s cannot be nil", kind)
	}

	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("prototype for %s must be a struct, got %v", kind, t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[kind]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("kind %s already registered to %v", kind, existing)
	}
	r.types[kind] = t
	return nil
}

// Decode returns a pointer to a fresh instance of the type registered for
// event.Type with the payload unmarshalled into it
func (r *Registry) Decode(event *contracts.Event) (any, error) {
	if event == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}

	r.mu.RLock()
	t, ok := r.types[event.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, event.Type)
	}

	instance := reflect.New(t).Interface()
	if len(event.Payload) == 0 {
		return instance, nil
	}
	if err := json.Unmarshal(event.Payload, instance); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
	}
	return instance, nil
}

// IsRegistered checks if a kind is registered
func (r *Registry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[kind]
	return ok
}

// Kinds returns all registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.types))
	for kind := range r.types {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
