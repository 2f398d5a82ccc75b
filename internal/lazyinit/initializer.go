// Package lazyinit provides a one-shot, retryable initialization gate for
// repositories that create their storage on first use.
package lazyinit

import (
	"context"
	"errors"
	"sync/atomic"
)

// State reports the lifecycle position of an Initializer.
type State int32

const (
	// StateUninitialized means setup has not completed (or the last attempt failed).
	StateUninitialized State = iota
	// StateInitializing means a caller holds the gate and is running setup.
	StateInitializing
	// StateReady means setup completed and all callers may proceed.
	StateReady
)

// String returns a lowercase label for logging.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

var errMissingInitFunc = errors.New("lazyinit: init function is required")

// Func performs the expensive one-time setup.
type Func func(ctx context.Context) error

// Initializer runs its Func exactly once per successful completion. A failed
// attempt leaves the gate Uninitialized so the next caller retries.
type Initializer struct {
	gate       chan struct{}
	state      atomic.Int32
	initialize Func
}

// New constructs an Initializer around the provided setup function.
func New(initialize Func) *Initializer {
	return &Initializer{
		gate:       make(chan struct{}, 1),
		initialize: initialize,
	}
}

// State returns the current lifecycle state.
func (i *Initializer) State() State {
	return State(i.state.Load())
}

// Ready reports whether setup has completed.
func (i *Initializer) Ready() bool {
	return i.State() == StateReady
}

// EnsureInitialized blocks until setup has completed, running it if no other
// caller has. Waiting for the gate stops when ctx is done.
func (i *Initializer) EnsureInitialized(ctx context.Context) error {
	if i.Ready() {
		return nil
	}
	if i.initialize == nil {
		return errMissingInitFunc
	}

	select {
	case i.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-i.gate }()

	// another caller may have finished while we waited
	if i.Ready() {
		return nil
	}

	i.state.Store(int32(StateInitializing))
	if err := i.initialize(ctx); err != nil {
		i.state.Store(int32(StateUninitialized))
		return err
	}
	i.state.Store(int32(StateReady))
	return nil
}
