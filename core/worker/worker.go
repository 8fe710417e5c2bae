// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides supervised background worker tasks.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Worker is a set of managed background go routines sharing one lifetime.
// The zero value is ready to use.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
	ctx    context.Context
	cancel context.CancelFunc

	// OnPanic, if set, is called with the recovered value and stack of a
	// task that panicked. A nil OnPanic re-panics.
	OnPanic func(v interface{}, stack []byte)
}

// Go executes the function fn in a new Go routine. It is the function's
// responsibility to monitor HaltCh or Context and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		defer w.recover()
		fn()
	}()
}

// GoCtx is like Go, but hands fn the worker context which is cancelled on
// Halt.
func (w *Worker) GoCtx(fn func(ctx context.Context)) {
	w.initOnce.Do(w.init)
	w.Go(func() { fn(w.ctx) })
}

// Halt signals all Go routines started under a Worker to terminate, and waits
// till all go routines have returned. Calling Halt more than once is safe.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		w.cancel()
		close(w.haltCh)
	})
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Context returns a context that is cancelled on a call to Halt.
func (w *Worker) Context() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) recover() {
	r := recover()
	if r == nil {
		return
	}
	if w.OnPanic == nil {
		panic(fmt.Sprintf("worker: task panicked: %v", r))
	}
	w.OnPanic(r, debug.Stack())
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}
