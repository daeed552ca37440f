package allocator

import (
	"fmt"
	"sync"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
)

// Policy holds the C6 policy knobs: the runtime-mutable strategy and
// the static big-request threshold (spec.md §4.5). Strategy is guarded
// by a mutex because the /strategy endpoint can be called concurrently
// with in-flight allocations.
type Policy struct {
	mu                  sync.RWMutex
	strategy            config.Strategy
	bigRequestThreshold int64
}

// NewPolicy builds a Policy from startup configuration.
func NewPolicy(strategy config.Strategy, bigRequestThreshold int) *Policy {
	return &Policy{
		strategy:            strategy,
		bigRequestThreshold: int64(bigRequestThreshold),
	}
}

// Strategy returns the currently configured placement strategy.
func (p *Policy) Strategy() config.Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// SetStrategy updates the placement strategy; subsequent allocations
// observe the new value immediately (spec.md §4.5).
func (p *Policy) SetStrategy(s config.Strategy) error {
	if s != config.StrategyBest && s != config.StrategyLargest {
		return fmt.Errorf("allocator: unknown strategy %q", s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	return nil
}

// BigRequestThreshold returns the static big-request override threshold.
func (p *Policy) BigRequestThreshold() int64 {
	return p.bigRequestThreshold
}
