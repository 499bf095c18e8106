// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"fmt"
	"sync"
)

// taskRegistry owns every goroutine the supervisor spawns for its instances:
// event pumps, send loops, ready polls, reconnect timers. Workers enter
// through Go; once shutdown begins, latecomers are turned away so the drain
// cannot race a worker that is still starting up.
type taskRegistry struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Go runs fn on its own goroutine. It reports false when the registry is
// already draining, in which case fn never runs.
func (r *taskRegistry) Go(fn func()) bool {
	if !r.admit() {
		return false
	}
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// admit registers one more worker unless shutdown has begun. The wg.Add has
// to happen under the lock so CloseAndWait never sees a count that is about
// to grow.
func (r *taskRegistry) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

// CloseAndWait stops admitting workers and joins the running ones. The join
// is bounded by ctx so a stuck driver call cannot hang daemon shutdown.
func (r *taskRegistry) CloseAndWait(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("instance worker drain timeout: %w", ctx.Err())
	case <-done:
		return nil
	}
}
