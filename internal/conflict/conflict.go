// Package conflict decides whether a concurrent update to the same
// logical field should overwrite the existing value. The policy is
// pluggable; the dependency resolver calls it as an injected collaborator
// at apply time for UPDATE operations only.
package conflict

// Update describes the incoming write under consideration.
type Update struct {
	Timestamp int64
	Value     interface{}
	DependsOn []string
}

// Existing describes the locally recorded state for the same field.
// HasTimestamp is false when the field has never been written.
type Existing struct {
	Value        interface{}
	Timestamp    int64
	HasTimestamp bool
}

// Resolver decides whether an incoming update should be applied over the
// existing value for the same (node, property) pair.
type Resolver interface {
	ShouldApply(incoming Update, existing Existing) bool
}

// LastWriteWins is the default policy: apply when no timestamp has been
// recorded yet, or when the incoming timestamp is strictly newer.
//
// Timestamps are supplied by originating clients and are not guaranteed
// monotonic or synchronized across replicas; under clock skew this policy
// is a documented source of non-determinism for concurrent same-key
// writes.
type LastWriteWins struct{}

// ShouldApply implements Resolver.
func (LastWriteWins) ShouldApply(incoming Update, existing Existing) bool {
	if !existing.HasTimestamp {
		return true
	}
	return incoming.Timestamp > existing.Timestamp
}
