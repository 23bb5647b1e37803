package queue

// Handle identifies an item enqueued into a FIFO, it is used to remove the item
// before it is dequeued.
type Handle[T any] struct {
	value T
	prev  *Handle[T]
	next  *Handle[T]
	owner *FIFO[T]
}

// Value returns the item carried by the handle.
func (h *Handle[T]) Value() T {
	return h.value
}

// FIFO is a doubly linked first-in first-out queue supporting O(1) removal of
// arbitrary queued items.
//
// FIFO is NOT goroutine-safe, callers serialize access with their own lock.
type FIFO[T any] struct {
	head   *Handle[T]
	tail   *Handle[T]
	length int
}

// NewFIFO creates an empty FIFO.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{}
}

// Enqueue adds an item to the tail of the queue and returns its handle.
func (q *FIFO[T]) Enqueue(item T) *Handle[T] {
	h := &Handle[T]{value: item, prev: q.tail, owner: q}
	if q.tail != nil {
		q.tail.next = h
	} else {
		q.head = h
	}
	q.tail = h
	q.length++

	return h
}

// Dequeue removes and returns the item at the head of the queue.
// ok is false if the queue is empty.
func (q *FIFO[T]) Dequeue() (item T, ok bool) {
	h := q.head
	if h == nil {
		return item, false
	}
	q.unlink(h)

	return h.value, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *FIFO[T]) Peek() (item T, ok bool) {
	if q.head == nil {
		return item, false
	}

	return q.head.value, true
}

// Remove removes the item identified by h. It returns false if the item was already
// dequeued or removed, or belongs to another queue.
func (q *FIFO[T]) Remove(h *Handle[T]) bool {
	if h == nil || h.owner != q {
		return false
	}
	q.unlink(h)

	return true
}

// Range calls fn for each queued item from head to tail until fn returns false.
func (q *FIFO[T]) Range(fn func(item T) bool) {
	for h := q.head; h != nil; h = h.next {
		if !fn(h.value) {
			return
		}
	}
}

// Reset drops every queued item.
func (q *FIFO[T]) Reset() {
	for h := q.head; h != nil; {
		next := h.next
		h.prev, h.next, h.owner = nil, nil, nil
		h = next
	}
	q.head, q.tail, q.length = nil, nil, 0
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *FIFO[T]) IsEmpty() bool {
	return q.length == 0
}

// Length returns the number of items in the queue.
func (q *FIFO[T]) Length() int {
	return q.length
}

func (q *FIFO[T]) unlink(h *Handle[T]) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		q.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		q.tail = h.prev
	}
	h.prev, h.next, h.owner = nil, nil, nil
	q.length--
}
