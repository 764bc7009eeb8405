package oplog

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is a live tail over future log appends. It is unbounded in
// time but not restartable: entries appended before Stream() was called
// are never delivered.
type Subscription struct {
	// C receives appended entries in append order.
	C <-chan Entry

	id       string
	notifier *notifier
	once     sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.notifier.unsubscribe(s.id)
	})
}

// notifier fans appended entries out to stream subscribers. Publishing
// never blocks the append path: a subscriber whose buffer is full loses
// the entry.
type notifier struct {
	subscribers sync.Map // id → chan Entry
	bufferSize  int
}

func newNotifier(bufferSize int) *notifier {
	if bufferSize <= 0 {
		bufferSize = defaultStreamBuffer
	}
	return &notifier{bufferSize: bufferSize}
}

func (n *notifier) subscribe() *Subscription {
	id := uuid.NewString()
	ch := make(chan Entry, n.bufferSize)
	n.subscribers.Store(id, ch)
	return &Subscription{C: ch, id: id, notifier: n}
}

func (n *notifier) unsubscribe(id string) {
	if ch, ok := n.subscribers.LoadAndDelete(id); ok {
		close(ch.(chan Entry))
	}
}

func (n *notifier) publish(entry Entry) {
	n.subscribers.Range(func(key, value interface{}) bool {
		select {
		case value.(chan Entry) <- entry:
		default:
			// Channel full - drop entry, do NOT block the append path
		}
		return true
	})
}

func (n *notifier) closeAll() {
	n.subscribers.Range(func(key, value interface{}) bool {
		n.subscribers.Delete(key)
		close(value.(chan Entry))
		return true
	})
}
