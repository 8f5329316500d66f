package optimizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/provider"
)

type batchOutcome struct {
	response *fablecast.Response
	err      error
}

type batchWaiter struct {
	index int
	done  chan batchOutcome
}

// batcher accumulates concurrent requests for one (service, method) pair
// and flushes them as a single combined upstream call. A caller joining
// a batch blocks only on that batch's completion.
type batcher struct {
	serviceType fablecast.ServiceType
	method      string

	items    []map[string]any
	waiters  []*batchWaiter
	endpoint *balancer.Endpoint
	timer    *clock.Timer

	owner *Optimizer
	mutex sync.Mutex
}

func newBatcher(owner *Optimizer, serviceType fablecast.ServiceType, method string) *batcher {
	return &batcher{
		serviceType: serviceType,
		method:      method,
		owner:       owner,
	}
}

// join adds params to the pending batch and blocks until the batch
// flushes or ctx is cancelled. The first joiner's endpoint serves the
// combined call and its arrival arms the time threshold, so a lone
// request still completes once the timer fires.
func (b *batcher) join(ctx context.Context, params map[string]any, endpoint *balancer.Endpoint) (*fablecast.Response, error) {
	waiter := &batchWaiter{done: make(chan batchOutcome, 1)}

	b.mutex.Lock()
	if len(b.items) == 0 {
		b.endpoint = endpoint
		b.timer = b.owner.clock.AfterFunc(b.owner.config.BatchTimeout, func() {
			b.flush()
		})
	}
	waiter.index = len(b.items)
	b.items = append(b.items, params)
	b.waiters = append(b.waiters, waiter)
	full := len(b.items) >= b.owner.config.BatchSize
	b.mutex.Unlock()

	if full {
		b.flush()
	}

	select {
	case outcome := <-waiter.done:
		return outcome.response, outcome.err
	case <-ctx.Done():
		// The batch keeps running for the other joiners; this caller just
		// stops waiting.
		return nil, fmt.Errorf("%w: abandoned batch after %v", fablecast.ErrTimeout, ctx.Err())
	}
}

// flush executes the combined call and fans the result back out to every
// waiter. Safe to call from both the size trigger and the timer; the
// second call finds an empty queue and returns.
func (b *batcher) flush() {
	b.mutex.Lock()
	items := b.items
	waiters := b.waiters
	endpoint := b.endpoint
	b.items = nil
	b.waiters = nil
	b.endpoint = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mutex.Unlock()

	if len(items) == 0 {
		return
	}

	executor, err := b.owner.registry.Resolve(b.serviceType, b.method)
	if err != nil {
		deliverError(waiters, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.owner.config.BatchCallTimeout)
	defer cancel()

	response, err := executor.Execute(ctx, &provider.Invocation{
		ServiceType: b.serviceType,
		Method:      b.method,
		Items:       items,
		Endpoint:    endpoint,
	})
	if err != nil {
		deliverError(waiters, err)
		return
	}

	deliver(waiters, response)
}

// deliver fans the combined response out per waiter. When the provider
// returns per-item results they are matched by index so partial failures
// stay decomposable; otherwise every waiter receives the whole response.
func deliver(waiters []*batchWaiter, response *fablecast.Response) {
	if len(response.Items) == 0 {
		for _, waiter := range waiters {
			waiter.done <- batchOutcome{response: response}
		}
		return
	}

	byIndex := make(map[int]fablecast.ResponseItem, len(response.Items))
	for _, item := range response.Items {
		byIndex[item.Index] = item
	}
	for _, waiter := range waiters {
		item, ok := byIndex[waiter.index]
		switch {
		case !ok:
			waiter.done <- batchOutcome{err: fmt.Errorf("%w: batch response missing item %d", fablecast.ErrTransient, waiter.index)}
		case item.Error != "":
			waiter.done <- batchOutcome{err: itemError(item)}
		default:
			waiter.done <- batchOutcome{response: &fablecast.Response{Data: item.Data, Tokens: response.Tokens}}
		}
	}
}

// itemError maps a per-item failure onto the error taxonomy. Without a
// class the failure is treated as permanent.
func itemError(item fablecast.ResponseItem) error {
	switch item.ErrorClass {
	case "transient":
		return fmt.Errorf("%w: %s", fablecast.ErrTransient, item.Error)
	case "timeout":
		return fmt.Errorf("%w: %s", fablecast.ErrTimeout, item.Error)
	default:
		return fmt.Errorf("%w: %s", fablecast.ErrPermanentProvider, item.Error)
	}
}

func deliverError(waiters []*batchWaiter, err error) {
	for _, waiter := range waiters {
		waiter.done <- batchOutcome{err: err}
	}
}

func (o *Optimizer) batcherFor(serviceType fablecast.ServiceType, method string) *batcher {
	key := string(serviceType) + ":" + method
	o.batchMutex.Lock()
	defer o.batchMutex.Unlock()

	b, ok := o.batchers[key]
	if !ok {
		b = newBatcher(o, serviceType, method)
		o.batchers[key] = b
	}
	return b
}
