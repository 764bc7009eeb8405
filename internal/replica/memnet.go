package replica

import (
	"fmt"
	"math/rand"
	"sync"
)

// Memnet is an in-process hub transport for tests and simulation.
// Delivery is synchronous and at-least-once: links can be configured
// to duplicate or shuffle delivery so tests exercise redundant and
// out-of-order arrival.
type Memnet struct {
	mu    sync.Mutex
	links map[string]*MemnetLink
}

// NewMemnet creates an empty hub.
func NewMemnet() *Memnet {
	return &Memnet{links: make(map[string]*MemnetLink)}
}

// Join attaches a new link under id, replacing any previous link with
// the same id.
func (m *Memnet) Join(id string) *MemnetLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	link := &MemnetLink{hub: m, id: id}
	m.links[id] = link
	return link
}

func (m *Memnet) link(id string) *MemnetLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[id]
}

func (m *Memnet) peers(except string) []*MemnetLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemnetLink, 0, len(m.links))
	for id, l := range m.links {
		if id != except {
			out = append(out, l)
		}
	}
	return out
}

// MemnetLink is one hub endpoint implementing Transport.
type MemnetLink struct {
	hub *Memnet
	id  string

	mu        sync.Mutex
	handler   func(from string, msg Message)
	duplicate bool
	shuffler  *rand.Rand
}

// ID returns the link's hub id.
func (l *MemnetLink) ID() string { return l.id }

// Duplicate makes every future inbound delivery arrive twice.
func (l *MemnetLink) Duplicate(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.duplicate = on
}

// ShuffleBroadcasts delivers broadcasts from this link to peers in a
// seeded random order instead of map order.
func (l *MemnetLink) ShuffleBroadcasts(seed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shuffler = rand.New(rand.NewSource(seed))
}

// OnMessage registers the inbound handler.
func (l *MemnetLink) OnMessage(handler func(from string, msg Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Send delivers msg to the peer link registered as to.
func (l *MemnetLink) Send(to string, msg Message) error {
	peer := l.hub.link(to)
	if peer == nil {
		return fmt.Errorf("memnet: no link %q", to)
	}
	peer.deliver(l.id, msg)
	return nil
}

// Broadcast delivers msg to every other link on the hub.
func (l *MemnetLink) Broadcast(msg Message) error {
	peers := l.hub.peers(l.id)
	l.mu.Lock()
	shuffler := l.shuffler
	l.mu.Unlock()
	if shuffler != nil {
		shuffler.Shuffle(len(peers), func(i, j int) {
			peers[i], peers[j] = peers[j], peers[i]
		})
	}
	for _, peer := range peers {
		peer.deliver(l.id, msg)
	}
	return nil
}

func (l *MemnetLink) deliver(from string, msg Message) {
	l.mu.Lock()
	handler := l.handler
	duplicate := l.duplicate
	l.mu.Unlock()
	if handler == nil {
		return
	}
	handler(from, msg)
	if duplicate {
		handler(from, msg)
	}
}
