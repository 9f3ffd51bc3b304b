// Package backend decouples which transport or provider a request uses
// from how it is called. The throttle and fallback logic talk only to the
// Backend and Worker contracts defined here; concrete transports live in
// the sub-packages and register themselves on a Registry.
package backend

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/paceflow/types"
)

// HandlerFunc is a callable registered on a worker.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Function pairs a registered callable with its human-readable description.
type Function struct {
	Name        string
	Description string
	Fn          HandlerFunc
}

// Worker is a backend-specific handle through which functions are
// registered and later invoked. Every CreateWorker call produces a worker
// with a freshly generated unique service ID, even for the same service
// name, so one logical service can run many concurrent workers.
type Worker interface {
	// ServiceID is unique per worker creation.
	ServiceID() string

	// ServiceName is the logical service this worker serves.
	ServiceName() string

	// Register adds fn under name. Registering the same name twice
	// overwrites the prior entry: last registration wins.
	Register(name, description string, fn HandlerFunc)

	// Functions returns a snapshot of the registered functions.
	Functions() map[string]Function

	// Call invokes a registered function and reports the outcome as a
	// typed CallResult rather than a bare error.
	Call(ctx context.Context, name string, payload []byte) ([]byte, types.CallResult)

	// Close releases transport resources held by the worker.
	Close() error
}

// Backend produces workers over one transport.
type Backend interface {
	// Name is the registered backend tag, e.g. "local" or "nats".
	Name() string

	// CreateWorker creates a worker for the given logical service.
	CreateWorker(serviceName string) (Worker, error)

	// Ping probes whether the backend can currently serve.
	Ping(ctx context.Context) error

	// Close releases the backend's shared resources.
	Close() error
}

// Factory constructs a Backend from its resolved configuration.
type Factory func(cfg Config, logger *zap.Logger) (Backend, error)

// FunctionTable is the function bookkeeping shared by worker
// implementations. Concrete workers embed it and add their transport.
type FunctionTable struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionTable creates an empty FunctionTable.
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{functions: make(map[string]Function)}
}

// Register implements the last-registration-wins contract.
func (t *FunctionTable) Register(name, description string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.functions[name] = Function{Name: name, Description: description, Fn: fn}
}

// Lookup returns the function registered under name.
func (t *FunctionTable) Lookup(name string) (Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.functions[name]
	return f, ok
}

// Functions returns a copy of the table.
func (t *FunctionTable) Functions() map[string]Function {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Function, len(t.functions))
	for name, f := range t.functions {
		out[name] = f
	}
	return out
}

// Names returns the sorted registered function names.
func (t *FunctionTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.functions))
	for name := range t.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
