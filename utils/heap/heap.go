// Package heap provides a generic min-heap with O(log n) removal and
// reprioritization of arbitrary items, tracked through an index map.
package heap

// MinHeap orders items by a caller-supplied less function. Items must be
// comparable because the heap tracks their positions for Remove/Fix.
type MinHeap[T comparable] struct {
	items []T
	index map[T]int
	less  func(a, b T) bool
}

func NewMinHeap[T comparable](less func(a, b T) bool) *MinHeap[T] {
	return &MinHeap[T]{
		index: make(map[T]int),
		less:  less,
	}
}

func (h *MinHeap[T]) Len() int { return len(h.items) }

func (h *MinHeap[T]) Push(item T) {
	h.items = append(h.items, item)
	h.index[item] = len(h.items) - 1
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the smallest item. The second return value is
// false when the heap is empty.
func (h *MinHeap[T]) Pop() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	top := h.items[0]
	h.removeAt(0)
	return top, true
}

func (h *MinHeap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Remove deletes item from the heap. Returns false if it is not present.
func (h *MinHeap[T]) Remove(item T) bool {
	i, ok := h.index[item]
	if !ok {
		return false
	}
	h.removeAt(i)
	return true
}

// Fix restores heap order after item's priority changed in place.
func (h *MinHeap[T]) Fix(item T) bool {
	i, ok := h.index[item]
	if !ok {
		return false
	}
	if !h.siftUp(i) {
		h.siftDown(i)
	}
	return true
}

func (h *MinHeap[T]) removeAt(i int) {
	last := len(h.items) - 1
	delete(h.index, h.items[i])
	if i != last {
		h.items[i] = h.items[last]
		h.index[h.items[i]] = i
	}
	h.items = h.items[:last]
	if i < len(h.items) {
		if !h.siftUp(i) {
			h.siftDown(i)
		}
	}
}

func (h *MinHeap[T]) siftUp(i int) bool {
	moved := false
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.items[i], h.items[p]) {
			break
		}
		h.swap(i, p)
		i = p
		moved = true
	}
	return moved
}

func (h *MinHeap[T]) siftDown(i int) {
	for {
		smallest := i
		if l := 2*i + 1; l < len(h.items) && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < len(h.items) && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *MinHeap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i]] = i
	h.index[h.items[j]] = j
}
