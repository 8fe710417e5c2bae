// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaltStopsTasks(t *testing.T) {
	var w Worker
	var stopped atomic.Int32

	w.Go(func() {
		<-w.HaltCh()
		stopped.Add(1)
	})
	w.GoCtx(func(ctx context.Context) {
		<-ctx.Done()
		stopped.Add(1)
	})

	w.Halt()
	require.Equal(t, int32(2), stopped.Load())
	require.Error(t, w.Context().Err())

	// A second Halt must not panic on the closed channel.
	w.Halt()
}

func TestPanicIsReported(t *testing.T) {
	var w Worker
	got := make(chan interface{}, 1)
	w.OnPanic = func(v interface{}, stack []byte) {
		require.NotEmpty(t, stack)
		got <- v
	}

	w.Go(func() { panic("boom") })
	require.Equal(t, "boom", <-got)
	w.Halt()
}
