// Package tools holds the functions the client can execute on the service's behalf.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/chatlink/internal/protocol"
)

// ErrUnknownFunction is returned by Execute for an unregistered function id.
var ErrUnknownFunction = errors.New("unknown function")

// ExecutorFunc runs one function call.
type ExecutorFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

type entry struct {
	description string
	exec        ExecutorFunc
}

// Registry stores executors keyed by function id.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]entry
}

// DefaultRegistry is the registry the builtins are installed in.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]entry),
	}
}

// Register adds an executor for a function id.
func (r *Registry) Register(functionID, description string, exec ExecutorFunc) error {
	if functionID == "" {
		return fmt.Errorf("function id is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[functionID]; exists {
		return fmt.Errorf("executor already registered for %s", functionID)
	}
	r.executors[functionID] = entry{description: description, exec: exec}
	return nil
}

// Execute runs the executor for functionID.
func (r *Registry) Execute(ctx context.Context, functionID string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.executors[functionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	return e.exec(ctx, params)
}

// Functions lists the registered functions ordered by id.
func (r *Registry) Functions() []protocol.FunctionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.FunctionDescriptor, 0, len(r.executors))
	for id, e := range r.executors {
		out = append(out, protocol.FunctionDescriptor{ID: id, Description: e.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MustRegister adds an executor to the default registry or panics.
func MustRegister(functionID, description string, exec ExecutorFunc) {
	if err := DefaultRegistry.Register(functionID, description, exec); err != nil {
		panic(err)
	}
}
