// Package benchmark measures the hot paths: log appends, causal apply
// and out-of-order cascades.
package benchmark

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/causalite/causalite/internal/oplog"
	"github.com/causalite/causalite/internal/resolver"
	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/pkg/types"
)

func makeUpdate(b *testing.B, id string, deps []string, ts int64) types.Operation {
	b.Helper()
	op, err := types.Operation{
		ID:        id,
		DependsOn: deps,
		Type:      types.OpUpdate,
		ClientID:  "bench",
		Timestamp: ts,
	}.WithPayload(types.MutationPayload{
		Table: "items", NodeID: "n1", Property: "value", Value: ts,
	})
	if err != nil {
		b.Fatalf("failed to build operation: %v", err)
	}
	return op
}

func BenchmarkLogAppend(b *testing.B) {
	log, err := oplog.Open(filepath.Join(b.TempDir(), "bench.ndjson"))
	if err != nil {
		b.Fatalf("failed to open log: %v", err)
	}
	defer log.Close()

	op := makeUpdate(b, "", nil, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op.ID = fmt.Sprintf("op-%d", i)
		if _, err := log.Append(op); err != nil {
			b.Fatalf("append failed: %v", err)
		}
	}
}

func BenchmarkTryApply_Independent(b *testing.B) {
	engine := resolver.NewEngine(resolver.NewStore(), schema.NewRegistry(), nil, resolver.Options{}, zerolog.Nop())
	ops := make([]types.Operation, b.N)
	for i := range ops {
		ops[i] = makeUpdate(b, fmt.Sprintf("op-%d", i), nil, int64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.TryApply(ops[i])
	}
}

func BenchmarkTryApply_ReversedChain(b *testing.B) {
	// Worst case: the entire chain arrives backwards and every
	// operation defers until the root lands.
	for _, depth := range []int{100, 1000} {
		b.Run(fmt.Sprintf("depth-%d", depth), func(b *testing.B) {
			chains := make([][]types.Operation, b.N)
			for i := range chains {
				ops := make([]types.Operation, depth)
				for j := 0; j < depth; j++ {
					var deps []string
					if j > 0 {
						deps = []string{fmt.Sprintf("c%d-%d", i, j-1)}
					}
					ops[j] = makeUpdate(b, fmt.Sprintf("c%d-%d", i, j), deps, int64(j))
				}
				chains[i] = ops
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				engine := resolver.NewEngine(resolver.NewStore(), schema.NewRegistry(), nil,
					resolver.Options{PendingMax: depth + 1}, zerolog.Nop())
				ops := chains[i]
				for j := len(ops) - 1; j >= 0; j-- {
					engine.TryApply(ops[j])
				}
			}
		})
	}
}
