package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests, grounded on the
// teacher's MockDatabase (pkg/database/database_test.go): a
// mutex-guarded map standing in for the real backend. Transactions are
// serialized behind a single mutex held for the lifetime of the
// transaction, which gives the same non-oversell guarantee a real
// database's row locks would, just without any real concurrency inside
// one transaction's critical section.
type Memory struct {
	mu          sync.Mutex
	nodes       map[int64]Node
	allocations map[string]Allocation
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:       make(map[int64]Node),
		allocations: make(map[string]Allocation),
	}
}

// SeedNodes replaces the node set, for test setup.
func (m *Memory) SeedNodes(nodes ...Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[int64]Node, len(nodes))
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
}

func (m *Memory) Close() error { return nil }

// SupportsSkipLocked is false: the single mutex already serializes
// every transaction, so there is nothing to skip.
func (m *Memory) SupportsSkipLocked() bool { return false }

type memTx struct {
	store *Memory
	done  bool

	// Copies of the store's maps taken at Begin, restored on Rollback.
	nodes       map[int64]Node
	allocations map[string]Allocation
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.nodes, t.store.allocations = t.nodes, t.allocations
	t.store.mu.Unlock()
	return nil
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	tx := &memTx{
		store:       m,
		nodes:       make(map[int64]Node, len(m.nodes)),
		allocations: make(map[string]Allocation, len(m.allocations)),
	}
	for id, n := range m.nodes {
		tx.nodes[id] = n
	}
	for id, a := range m.allocations {
		tx.allocations[id] = a
	}
	return tx, nil
}

func (m *Memory) GetAllocation(ctx context.Context, tx Tx, requestID string) (*Allocation, error) {
	a, ok := m.allocations[requestID]
	if !ok {
		return nil, ErrNoRows
	}
	return &a, nil
}

func (m *Memory) GetNode(ctx context.Context, tx Tx, id int64) (*Node, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNoRows
	}
	return &n, nil
}

func (m *Memory) SelectCandidate(ctx context.Context, tx Tx, minRemaining int64, order Order) (*Node, error) {
	var best *Node
	for id := range m.nodes {
		n := m.nodes[id]
		if n.Remaining() < minRemaining {
			continue
		}
		if best == nil || betterCandidate(n, *best, order) {
			nCopy := n
			best = &nCopy
		}
	}
	if best == nil {
		return nil, ErrNoRows
	}
	return best, nil
}

// betterCandidate reports whether a should replace b as the current
// best pick under order, tie-broken by ascending id.
func betterCandidate(a, b Node, order Order) bool {
	ar, br := a.Remaining(), b.Remaining()
	if ar == br {
		return a.ID < b.ID
	}
	if order == RemainingAsc {
		return ar < br
	}
	return ar > br
}

func (m *Memory) ConditionalIncrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) (bool, error) {
	n, ok := m.nodes[nodeID]
	if !ok {
		return false, nil
	}
	if n.CapacityM-n.UsedQuota < delta {
		return false, nil
	}
	n.UsedQuota += delta
	m.nodes[nodeID] = n
	return true, nil
}

func (m *Memory) DecrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) error {
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	n.UsedQuota -= delta
	m.nodes[nodeID] = n
	return nil
}

func (m *Memory) InsertAllocation(ctx context.Context, tx Tx, a Allocation) error {
	if _, exists := m.allocations[a.RequestID]; exists {
		return ErrDuplicateRequestID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	m.allocations[a.RequestID] = a
	return nil
}

func (m *Memory) UpdateAllocationStatus(ctx context.Context, tx Tx, requestID string, status Status) error {
	a, ok := m.allocations[requestID]
	if !ok {
		return nil
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	m.allocations[requestID] = a
	return nil
}

func (m *Memory) ListNodes(ctx context.Context, tx Tx) ([]Node, error) {
	nodes := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
