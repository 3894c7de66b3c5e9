package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

var ErrConcurrentFineTune = errors.New("a fine-tuning run is already in progress")

// RunGuard admits one model-changing operation at a time: a fine-tuning run
// or a rollback. The in-process flag is a compare-and-swap so a second caller
// is turned away immediately instead of queueing behind the first. The
// optional RunLock extends the exclusion across replicas.
type RunGuard struct {
	busy atomic.Bool
	lock domain.RunLock
}

func NewRunGuard(lock domain.RunLock) *RunGuard {
	return &RunGuard{lock: lock}
}

// Acquire claims the guard. The returned release must be called exactly once.
func (g *RunGuard) Acquire(ctx context.Context) (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, ErrConcurrentFineTune
	}
	if g.lock == nil {
		return func() { g.busy.Store(false) }, nil
	}

	unlock, ok, err := g.lock.TryLock(ctx)
	if err != nil {
		g.busy.Store(false)
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		g.busy.Store(false)
		return nil, ErrConcurrentFineTune
	}
	return func() {
		unlock()
		g.busy.Store(false)
	}, nil
}

func (g *RunGuard) Busy() bool {
	return g.busy.Load()
}
