// Package provider defines the executor boundary: the gateway treats
// each upstream call as a black box selected by (service type, method)
// and handed normalized parameters plus the chosen endpoint's
// credentials.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
)

// Invocation is everything an executor needs for one upstream call.
type Invocation struct {
	ServiceType fablecast.ServiceType
	Method      string

	// Normalized parameters. For batched calls, Items carries the
	// individual parameter sets instead.
	Params map[string]any
	Items  []map[string]any

	Endpoint *balancer.Endpoint
}

// Executor performs the concrete provider call.
type Executor interface {
	Execute(ctx context.Context, invocation *Invocation) (*fablecast.Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, invocation *Invocation) (*fablecast.Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, invocation *Invocation) (*fablecast.Response, error) {
	return f(ctx, invocation)
}

// Registry resolves executors by (service type, method), falling back to
// a service-wide executor when no method-specific one is registered.
type Registry struct {
	executors map[string]Executor
	mutex     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to (serviceType, method). An empty method
// registers the fallback for the whole service type.
func (r *Registry) Register(serviceType fablecast.ServiceType, method string, executor Executor) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.executors[registryKey(serviceType, method)] = executor
}

// Resolve returns the executor for (serviceType, method).
func (r *Registry) Resolve(serviceType fablecast.ServiceType, method string) (Executor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if executor, ok := r.executors[registryKey(serviceType, method)]; ok {
		return executor, nil
	}
	if executor, ok := r.executors[registryKey(serviceType, "")]; ok {
		return executor, nil
	}
	return nil, fmt.Errorf("provider: no executor for %s.%s", serviceType, method)
}

func registryKey(serviceType fablecast.ServiceType, method string) string {
	return string(serviceType) + ":" + method
}
