package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/store"
)

func TestSnapshot_AggregatesAcrossNodes(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 100, UsedQuota: 50},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 0},
	)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 200, snap.TotalCapacity)
	assert.EqualValues(t, 50, snap.UsedTotal)
	assert.EqualValues(t, 150, snap.RemainingTotal)
	assert.InDelta(t, 0.25, snap.Utilization, 1e-9)
	require.Len(t, snap.PerNode, 2)
}

func TestSnapshot_PerfectlyEvenUsageHasZeroGini(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 100, UsedQuota: 50},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 50},
	)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.0, snap.ImbalanceGini, 1e-9)
}

func TestSnapshot_AllLoadOnOneNodeHasHighGini(t *testing.T) {
	e, _ := newTestEngine(t, config.StrategyBest, 1_000_000,
		store.Node{ID: 0, CapacityM: 100, UsedQuota: 100},
		store.Node{ID: 1, CapacityM: 100, UsedQuota: 0},
		store.Node{ID: 2, CapacityM: 100, UsedQuota: 0},
		store.Node{ID: 3, CapacityM: 100, UsedQuota: 0},
	)

	snap, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.ImbalanceGini, 0.5)
}

func TestGini_EmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, gini(nil))
}

func TestGini_AllZeroUsageIsZero(t *testing.T) {
	assert.Equal(t, 0.0, gini([]float64{0, 0, 0}))
}
