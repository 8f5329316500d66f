package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fablecast/fablecast/utils/heap"
)

// Per-entry bookkeeping overhead charged against the byte budget:
// key header (16) + value header (24) + three int64 fields (24) +
// map and GC overhead (64) = 128.
const entryOverhead = 128

type entry struct {
	key string

	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of reads since insertion. Starts from 1.
	readCount int64
}

// Memory is an in-process Store with a byte budget. When the budget is
// exceeded, the least frequently used and oldest entries are evicted
// first. A background loop sweeps expired entries.
type Memory struct {
	entries map[string]*entry

	// Eviction order: fewest reads first, then oldest read.
	evictionHeap *heap.MinHeap[*entry]

	maxBytes   int64
	usageBytes int64

	clock clock.Clock
	mutex sync.Mutex
}

// NewMemory returns the store and a stop function that halts the sweep
// loop. maxBytes bounds the total of keys, values and entry overhead.
func NewMemory(maxBytes int64) (*Memory, func()) {
	return NewMemoryWithClock(maxBytes, clock.New())
}

// NewMemoryWithClock injects a clock so expiry can be tested without
// sleeping.
func NewMemoryWithClock(maxBytes int64, clk clock.Clock) (*Memory, func()) {
	m := &Memory{
		entries:  make(map[string]*entry),
		maxBytes: maxBytes,
		clock:    clk,
	}
	m.evictionHeap = heap.NewMinHeap(func(a, b *entry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := m.startSweep(5 * time.Minute)
	return m, stop
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}

	now := m.clock.Now().UnixNano()
	if e.expiry <= now {
		m.remove(e)
		return nil, nil
	}

	e.lastReadAt = now
	e.readCount++
	m.evictionHeap.Fix(e)
	return e.value, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	size := entrySize(key, value)
	if existing, ok := m.entries[key]; ok {
		m.remove(existing)
	}

	if overflow := m.usageBytes + size - m.maxBytes; overflow > 0 {
		if err := m.evict(overflow); err != nil {
			return err
		}
	}

	now := m.clock.Now().UnixNano()
	e := &entry{
		key:        key,
		value:      value,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}
	m.entries[key] = e
	m.evictionHeap.Push(e)
	m.usageBytes += size
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if e, ok := m.entries[key]; ok {
		m.remove(e)
	}
	return nil
}

// Len returns the number of live entries, expired ones included until
// the next sweep.
func (m *Memory) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

func (m *Memory) remove(e *entry) {
	delete(m.entries, e.key)
	m.evictionHeap.Remove(e)
	m.usageBytes -= entrySize(e.key, e.value)
}

func (m *Memory) evict(bytesNeeded int64) error {
	freed := int64(0)
	for freed < bytesNeeded {
		e, ok := m.evictionHeap.Pop()
		if !ok {
			return fmt.Errorf("cache: cannot free %d bytes, budget too small", bytesNeeded)
		}
		delete(m.entries, e.key)
		freed += entrySize(e.key, e.value)
	}
	m.usageBytes -= freed
	return nil
}

func (m *Memory) sweep() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now().UnixNano()
	var expired []*entry
	for _, e := range m.entries {
		if e.expiry <= now {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.remove(e)
	}
}

func (m *Memory) startSweep(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}
