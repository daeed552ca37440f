// Package allocator implements the allocation engine (C4), the
// policy-driven candidate ordering it builds on (C6), and the
// utilization snapshot read (C5) from spec.md §4.3-4.5. It is grounded
// on the transaction-scoped, repository-style data access the teacher
// uses throughout pkg/database/repositories.go, generalized from
// model/node bookkeeping to token-budget bookkeeping, and on
// original_source/services/allocator.py for the exact idempotency and
// conflict-recovery sequencing.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/apierr"
	"github.com/khryptorgraphics/tokenallocator/pkg/clock"
	"github.com/khryptorgraphics/tokenallocator/pkg/store"
)

// Engine is the allocation engine. It is safe for concurrent use; all
// correctness guarantees come from the Store's transactional primitives
// (spec.md §5), not from any in-process locking here.
type Engine struct {
	store  store.Store
	clock  clock.Clock
	policy *Policy
	logger *slog.Logger
}

// New builds an Engine over the given Store and Policy.
func New(s store.Store, policy *Policy, c clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{store: s, policy: policy, clock: c, logger: logger}
}

// AllocResult is the successful response shape for Alloc (spec.md §6).
type AllocResult struct {
	NodeID         int64
	RemainingQuota int64
}

// FreeResult is the successful response shape for Free (spec.md §6).
type FreeResult struct {
	NodeID int64
}

// Alloc reserves token_count units of budget from one node, recording
// the reservation under request_id. It is idempotent: repeating the
// same request_id returns the original outcome without mutating state
// again (spec.md §4.3, §8).
func (e *Engine) Alloc(ctx context.Context, requestID string, tokenCount int64) (*AllocResult, error) {
	result, conflict, err := e.tryAlloc(ctx, requestID, tokenCount)
	if err != nil {
		return nil, err
	}
	if conflict {
		// A concurrent writer won the insert race for this request_id.
		// Re-read its outcome in a brand-new transaction: the losing
		// transaction above has already been rolled back, so this read
		// can only observe the winner's committed state (spec.md §9).
		return e.idempotentResult(ctx, requestID)
	}
	return result, nil
}

// tryAlloc runs one attempt inside a single transaction. conflict=true
// means the insert hit a uniqueness violation and the whole transaction
// was rolled back; the caller must re-read outside of it.
func (e *Engine) tryAlloc(ctx context.Context, requestID string, tokenCount int64) (result *AllocResult, conflict bool, err error) {
	err = store.WithTx(ctx, e.store, func(tx store.Tx) error {
		// 1. Idempotency probe.
		existing, getErr := e.store.GetAllocation(ctx, tx, requestID)
		if getErr != nil && !errors.Is(getErr, store.ErrNoRows) {
			return apierr.Internal(getErr)
		}
		if getErr == nil && existing.Status == store.StatusAllocated {
			node, nodeErr := e.store.GetNode(ctx, tx, existing.NodeID)
			if nodeErr != nil {
				return apierr.Internal(nodeErr)
			}
			result = &AllocResult{NodeID: node.ID, RemainingQuota: node.Remaining()}
			return nil
		}

		// 2. Candidate selection.
		order := store.RemainingAsc
		if e.policy.Strategy() == config.StrategyLargest || tokenCount >= e.policy.BigRequestThreshold() {
			order = store.RemainingDesc
		}

		node, selErr := e.store.SelectCandidate(ctx, tx, tokenCount, order)
		if errors.Is(selErr, store.ErrNoRows) {
			return apierr.Overloaded(fmt.Errorf("no node has %d remaining", tokenCount))
		}
		if selErr != nil {
			return apierr.Internal(selErr)
		}

		// 3. Atomic reserve.
		ok, incErr := e.store.ConditionalIncrementUsed(ctx, tx, node.ID, tokenCount)
		if incErr != nil {
			return apierr.Internal(incErr)
		}
		if !ok {
			return apierr.Overloaded(fmt.Errorf("node %d lost the race for %d tokens", node.ID, tokenCount))
		}

		// 4. Record allocation.
		now := e.clock.Now()
		insErr := e.store.InsertAllocation(ctx, tx, store.Allocation{
			RequestID:  requestID,
			NodeID:     node.ID,
			TokenCount: tokenCount,
			Status:     store.StatusAllocated,
			CreatedAt:  now,
		})
		if errors.Is(insErr, store.ErrDuplicateRequestID) {
			// The whole transaction — including the increment above —
			// is rolled back by WithTx because we return an error here.
			conflict = true
			return insErr
		}
		if insErr != nil {
			return apierr.Internal(insErr)
		}

		// 5. Re-read post-update remaining.
		updated, reErr := e.store.GetNode(ctx, tx, node.ID)
		if reErr != nil {
			return apierr.Internal(reErr)
		}
		result = &AllocResult{NodeID: updated.ID, RemainingQuota: updated.Remaining()}
		return nil
	})

	if conflict {
		// Swallow the duplicate-key error: it is handled by the caller
		// re-reading in a fresh transaction, not surfaced as a failure.
		return nil, true, nil
	}
	return result, false, err
}

// idempotentResult re-reads the winning Allocation's outcome in a fresh,
// read-only-in-effect transaction after losing an insert race.
func (e *Engine) idempotentResult(ctx context.Context, requestID string) (*AllocResult, error) {
	var result *AllocResult
	err := store.WithTx(ctx, e.store, func(tx store.Tx) error {
		a, getErr := e.store.GetAllocation(ctx, tx, requestID)
		if getErr != nil {
			return apierr.Internal(fmt.Errorf("re-read winning allocation %s: %w", requestID, getErr))
		}
		node, nodeErr := e.store.GetNode(ctx, tx, a.NodeID)
		if nodeErr != nil {
			return apierr.Internal(nodeErr)
		}
		result = &AllocResult{NodeID: node.ID, RemainingQuota: node.Remaining()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Free releases a previously allocated request, flipping its status to
// freed and restoring the node's used_quota (spec.md §4.3).
func (e *Engine) Free(ctx context.Context, requestID string) (*FreeResult, error) {
	var result *FreeResult
	err := store.WithTx(ctx, e.store, func(tx store.Tx) error {
		a, getErr := e.store.GetAllocation(ctx, tx, requestID)
		if errors.Is(getErr, store.ErrNoRows) {
			return apierr.NotFound(fmt.Errorf("no allocation for %s", requestID))
		}
		if getErr != nil {
			return apierr.Internal(getErr)
		}
		if a.Status != store.StatusAllocated {
			return apierr.NotFound(fmt.Errorf("allocation %s is not allocated (status=%s)", requestID, a.Status))
		}

		if decErr := e.store.DecrementUsed(ctx, tx, a.NodeID, a.TokenCount); decErr != nil {
			return apierr.Internal(decErr)
		}
		if updErr := e.store.UpdateAllocationStatus(ctx, tx, requestID, store.StatusFreed); updErr != nil {
			return apierr.Internal(updErr)
		}

		result = &FreeResult{NodeID: a.NodeID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemainingCapacity sums remaining capacity across all nodes. It is a
// plain aggregate read, kept distinct from Snapshot the way
// original_source's get_remaining_capacity() is kept distinct from
// get_usage_stats() — used by tests, not exposed as its own HTTP
// endpoint.
func (e *Engine) RemainingCapacity(ctx context.Context) (int64, error) {
	var total int64
	err := store.WithTx(ctx, e.store, func(tx store.Tx) error {
		nodes, err := e.store.ListNodes(ctx, tx)
		if err != nil {
			return apierr.Internal(err)
		}
		for _, n := range nodes {
			total += n.Remaining()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
