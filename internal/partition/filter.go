// Package partition models network partitions as a per-peer allow-list.
// While partitioned, a replica only exchanges traffic with clients in its
// allow-list; everything else is dropped silently at the filter. Catch-up
// after heal is the replica's job, not the filter's.
package partition

import "sync"

// Filter is the per-connection partition state.
type Filter struct {
	mu          sync.RWMutex
	partitioned bool
	allowed     map[string]struct{}
}

// NewFilter creates a filter in the healed (fully connected) state.
func NewFilter() *Filter {
	return &Filter{}
}

// Partition isolates the replica, allowing traffic only to and from the
// given clients. An empty list isolates it completely.
func (f *Filter) Partition(allowedClients []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.partitioned = true
	f.allowed = make(map[string]struct{}, len(allowedClients))
	for _, id := range allowedClients {
		f.allowed[id] = struct{}{}
	}
}

// Heal clears the partition state.
func (f *Filter) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.partitioned = false
	f.allowed = nil
}

// Partitioned reports whether the replica is currently partitioned.
func (f *Filter) Partitioned() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.partitioned
}

// Allows reports whether traffic to or from clientID passes the filter.
func (f *Filter) Allows(clientID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.partitioned {
		return true
	}
	_, ok := f.allowed[clientID]
	return ok
}

// AllowedClients returns the current allow-list, nil when healed.
func (f *Filter) AllowedClients() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.partitioned {
		return nil
	}
	clients := make([]string, 0, len(f.allowed))
	for id := range f.allowed {
		clients = append(clients, id)
	}
	return clients
}
