package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/apierr"
	"github.com/khryptorgraphics/tokenallocator/pkg/clock"
	"github.com/khryptorgraphics/tokenallocator/pkg/store"
)

func asAPIErr(err error) (*apierr.Error, bool) {
	return apierr.As(err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, strategy config.Strategy, bigThreshold int, nodes ...store.Node) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.SeedNodes(nodes...)
	policy := NewPolicy(strategy, bigThreshold)
	fc := clock.NewFake(time.Now())
	return New(mem, policy, fc, testLogger()), mem
}

func TestAlloc_PicksBestFitByDefault(t *testing.T) {
	// Best-fit (RemainingAsc): the tightest node that still fits wins.
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 1000, UsedQuota: 0},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 0},
	)

	res, err := e.Alloc(context.Background(), "req-1", 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.NodeID)
	assert.EqualValues(t, 50, res.RemainingQuota)
}

func TestAlloc_LargestStrategyPrefersMostRemaining(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyLargest, 1_000_000,
		store.Node{ID: 0, CapacityM: 1000, UsedQuota: 0},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 0},
	)

	res, err := e.Alloc(context.Background(), "req-1", 50)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.NodeID)
	assert.EqualValues(t, 950, res.RemainingQuota)
}

func TestAlloc_BigRequestOverridesBestFit(t *testing.T) {
	// Even under best-fit, a request at or above the big threshold is
	// routed to the most-remaining node.
	e, _ := newTestEngine(t, config.StrategyBest, 40,
		store.Node{ID: 0, CapacityM: 1000, UsedQuota: 0},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 0},
	)

	res, err := e.Alloc(context.Background(), "req-1", 50)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.NodeID)
}

func TestAlloc_IsIdempotentOnRepeatedRequestID(t *testing.T) {
	e, mem := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 1000, UsedQuota: 0},
	)

	first, err := e.Alloc(context.Background(), "same-id", 100)
	require.NoError(t, err)
	second, err := e.Alloc(context.Background(), "same-id", 100)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	nodes, err := mem.ListNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.EqualValues(t, 100, nodes[0].UsedQuota, "second call must not reserve again")
}

func TestAlloc_ReturnsOverloadedWhenNoNodeFits(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 10, UsedQuota: 0},
	)

	_, err := e.Alloc(context.Background(), "req-1", 50)
	require.Error(t, err)

	apiErr, ok := asAPIErr(err)
	require.True(t, ok)
	assert.Equal(t, "overloaded", string(apiErr.Kind))
}

func TestFreeThenReallocRestoresCapacity(t *testing.T) {
	e, mem := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 100, UsedQuota: 0},
	)
	ctx := context.Background()

	_, err := e.Alloc(ctx, "req-1", 100)
	require.NoError(t, err)

	_, err = e.Alloc(ctx, "req-2", 1)
	require.Error(t, err, "node should be exhausted")

	_, err = e.Free(ctx, "req-1")
	require.NoError(t, err)

	res, err := e.Alloc(ctx, "req-2", 100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.RemainingQuota)

	nodes, err := mem.ListNodes(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 100, nodes[0].UsedQuota)
}

func TestFree_UnknownRequestIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000, store.Node{ID: 0, CapacityM: 100})

	_, err := e.Free(context.Background(), "does-not-exist")
	require.Error(t, err)
	apiErr, ok := asAPIErr(err)
	require.True(t, ok)
	assert.Equal(t, "not_found", string(apiErr.Kind))
}

func TestFree_AlreadyFreedIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000, store.Node{ID: 0, CapacityM: 100})
	ctx := context.Background()

	_, err := e.Alloc(ctx, "req-1", 10)
	require.NoError(t, err)
	_, err = e.Free(ctx, "req-1")
	require.NoError(t, err)

	_, err = e.Free(ctx, "req-1")
	require.Error(t, err)
	apiErr, ok := asAPIErr(err)
	require.True(t, ok)
	assert.Equal(t, "not_found", string(apiErr.Kind))
}

func TestAlloc_ConcurrentNoOversell(t *testing.T) {
	// Two 300-capacity nodes, 40 concurrent 30-token requests: at most
	// 20 can succeed (20*30 == 600 total capacity), and the conditional
	// UPDATE must never let used_total exceed it.
	const (
		numRequests = 40
		tokenCount  = 30
		capacity    = 300
	)

	e, mem := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: capacity, UsedQuota: 0},
		store.Node{ID: 1, CapacityM: capacity, UsedQuota: 0},
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, overloads := 0, 0

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Alloc(ctx, fmt.Sprintf("concurrent-%d", i), tokenCount)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			apiErr, ok := asAPIErr(err)
			require.True(t, ok)
			require.Equal(t, "overloaded", string(apiErr.Kind))
			overloads++
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 20)
	assert.Equal(t, numRequests, successes+overloads)

	nodes, err := mem.ListNodes(ctx, nil)
	require.NoError(t, err)
	var usedTotal int64
	for _, n := range nodes {
		assert.LessOrEqual(t, n.UsedQuota, n.CapacityM, "node must not oversell")
		usedTotal += n.UsedQuota
	}
	assert.LessOrEqual(t, usedTotal, int64(2*capacity))
	assert.EqualValues(t, successes*tokenCount, usedTotal)
}

func TestRemainingCapacity_SumsAcrossNodes(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 100, UsedQuota: 40},
		store.Node{ID: 1, CapacityM: 50, UsedQuota: 50},
	)

	total, err := e.RemainingCapacity(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 60, total)
}
