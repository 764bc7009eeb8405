package resolver

import "github.com/causalite/causalite/pkg/types"

// History is a bounded ring of recently applied operations, kept in
// apply order. Partition healing replays it to peers so the capacity
// bounds how far back a heal can reach.
type History struct {
	buf   []types.Operation
	head  int
	count int
}

// NewHistory returns a ring holding at most capacity operations.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]types.Operation, capacity)}
}

// Record appends an applied operation, evicting the oldest entry when
// the ring is full.
func (h *History) Record(op types.Operation) {
	h.buf[(h.head+h.count)%len(h.buf)] = op
	if h.count < len(h.buf) {
		h.count++
	} else {
		h.head = (h.head + 1) % len(h.buf)
	}
}

// List returns the recorded operations, oldest first.
func (h *History) List() []types.Operation {
	out := make([]types.Operation, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(h.head+i)%len(h.buf)])
	}
	return out
}

// Len reports how many operations the ring currently holds.
func (h *History) Len() int {
	return h.count
}

// TrimNewest discards the n most recently recorded operations. Used
// when a transaction rolls back after some of its operations applied.
func (h *History) TrimNewest(n int) {
	if n > h.count {
		n = h.count
	}
	h.count -= n
}
