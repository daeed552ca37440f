// Package store is the transactional data-access layer for Nodes and
// Allocations (spec.md §3, §4.1). It is the sole owner of
// concurrency-safety at the data layer: higher layers rely on the
// atomicity of ConditionalIncrementUsed and the uniqueness constraint
// on request_id, following the separation the teacher draws between
// pkg/database (connection + transaction management) and the
// repositories that use it (pkg/database/repositories.go).
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the Allocation lifecycle state, per spec.md §3.
type Status string

const (
	StatusAllocated Status = "allocated"
	StatusFreed     Status = "freed"
)

// Order selects how SelectCandidate ranks nodes by remaining capacity.
type Order int

const (
	RemainingAsc Order = iota
	RemainingDesc
)

// Node is one capacity bucket (spec.md §3).
type Node struct {
	ID        int64 `db:"id"`
	CapacityM int64 `db:"capacity_m"`
	UsedQuota int64 `db:"used_quota"`
}

// Remaining returns capacity_m - used_quota.
func (n Node) Remaining() int64 { return n.CapacityM - n.UsedQuota }

// Allocation is one outstanding or historical reservation (spec.md §3).
type Allocation struct {
	RequestID  string    `db:"request_id"`
	NodeID     int64     `db:"node_id"`
	TokenCount int64     `db:"token_count"`
	Status     Status    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ErrDuplicateRequestID is returned by InsertAllocation when request_id
// already exists (spec.md §4.1 uniqueness constraint).
var ErrDuplicateRequestID = errors.New("store: duplicate request_id")

// ErrNoRows is returned by reads that find nothing.
var ErrNoRows = errors.New("store: no rows")

// Tx is a transactional handle. All mutating Store operations below
// take one, so a full alloc/free attempt is serialized inside a single
// transaction per spec.md §5.
type Tx interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback aborts the transaction. Safe to call after Commit; it is
	// then a no-op, mirroring database/sql/driver semantics.
	Rollback() error
}

// Store is the C2 component contract from spec.md §4.1.
type Store interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// GetAllocation reads an Allocation by request_id within tx.
	// Returns ErrNoRows if absent.
	GetAllocation(ctx context.Context, tx Tx, requestID string) (*Allocation, error)

	// GetNode reads a Node snapshot by id within tx. Returns ErrNoRows
	// if absent.
	GetNode(ctx context.Context, tx Tx, id int64) (*Node, error)

	// SelectCandidate picks one Node whose remaining >= minRemaining,
	// ordered per order and tie-broken by ascending id. Returns
	// ErrNoRows if none qualify. On backends that support it, the
	// returned row is locked FOR UPDATE SKIP LOCKED.
	SelectCandidate(ctx context.Context, tx Tx, minRemaining int64, order Order) (*Node, error)

	// ConditionalIncrementUsed atomically applies
	// used_quota += delta WHERE (capacity_m - used_quota) >= delta,
	// returning whether exactly one row changed.
	ConditionalIncrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) (bool, error)

	// DecrementUsed unconditionally applies used_quota -= delta. Safe
	// because callers only decrement by a previously-reserved amount.
	DecrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) error

	// InsertAllocation inserts a new allocated row. Returns
	// ErrDuplicateRequestID on a uniqueness conflict instead of the
	// underlying driver error so callers don't need to know the
	// dialect's error shape.
	InsertAllocation(ctx context.Context, tx Tx, a Allocation) error

	// UpdateAllocationStatus transitions an Allocation's status field.
	UpdateAllocationStatus(ctx context.Context, tx Tx, requestID string, status Status) error

	// ListNodes returns every Node, for stats snapshots (spec.md §4.4).
	ListNodes(ctx context.Context, tx Tx) ([]Node, error)

	// SupportsSkipLocked reports whether the backend can opportunistically
	// skip rows already locked by a concurrent transaction (spec.md §9).
	SupportsSkipLocked() bool

	// Close releases the Store's underlying resources.
	Close() error
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, following the teacher's
// DatabaseManager.WithTransaction (pkg/database/manager.go).
func WithTx(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}
