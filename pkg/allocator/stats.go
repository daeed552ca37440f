package allocator

import (
	"context"
	"sort"

	"github.com/khryptorgraphics/tokenallocator/pkg/apierr"
	"github.com/khryptorgraphics/tokenallocator/pkg/store"
)

// NodeUsage is one node's row in a Snapshot's per-node breakdown.
type NodeUsage struct {
	NodeID    int64
	Capacity  int64
	Used      int64
	Remaining int64
}

// Snapshot is the C5 utilization read returned by GET /metrics
// (spec.md §4.4).
type Snapshot struct {
	TotalCapacity int64
	UsedTotal     int64
	RemainingTotal int64
	Utilization   float64
	PerNode       []NodeUsage
	ImbalanceGini float64
}

// Snapshot computes the current cluster-wide utilization view. Every
// field is derived from a single consistent read of the node table
// (spec.md §4.4); it takes no locks beyond that read transaction.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	var nodes []store.Node
	err := store.WithTx(ctx, e.store, func(tx store.Tx) error {
		var err error
		nodes, err = e.store.ListNodes(ctx, tx)
		if err != nil {
			return apierr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{PerNode: make([]NodeUsage, 0, len(nodes))}
	used := make([]float64, 0, len(nodes))

	for _, n := range nodes {
		snap.TotalCapacity += n.CapacityM
		snap.UsedTotal += n.UsedQuota
		snap.PerNode = append(snap.PerNode, NodeUsage{
			NodeID:    n.ID,
			Capacity:  n.CapacityM,
			Used:      n.UsedQuota,
			Remaining: n.Remaining(),
		})
		used = append(used, float64(n.UsedQuota))
	}
	snap.RemainingTotal = snap.TotalCapacity - snap.UsedTotal

	if snap.TotalCapacity > 0 {
		snap.Utilization = float64(snap.UsedTotal) / float64(snap.TotalCapacity)
	}
	snap.ImbalanceGini = gini(used)

	return snap, nil
}

// gini computes the Gini coefficient of used_quota across nodes, a
// measure of how unevenly load is spread: 0 is perfectly even, values
// approaching 1 mean a few nodes carry nearly all the load. Ported from
// original_source's _gini(), which discards negative values, sorts
// ascending, and applies the rank-weighted-sum form of the coefficient.
func gini(values []float64) float64 {
	vals := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= 0 {
			vals = append(vals, v)
		}
	}
	n := len(vals)
	if n == 0 {
		return 0
	}
	sort.Float64s(vals)

	var sum, cum float64
	for _, v := range vals {
		sum += v
	}
	if sum == 0 {
		return 0
	}
	for i, v := range vals {
		cum += float64(i+1) * v
	}

	return (2*cum)/(float64(n)*sum) - (float64(n)+1)/float64(n)
}
