// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package future

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_Invalid(t *testing.T) {
	_, err := NewPool(0)
	assert.ErrorIs(t, err, ErrInvalidWorkers)

	p, err := NewPool(3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())
}

func TestSubmit_Value(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})

	r, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, r.IsSuccess())
	assert.Equal(t, 42, r.Value())
	assert.True(t, f.Ready())
}

func TestSubmit_Error(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		return 0, errors.New("failed")
	})

	r, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.EqualError(t, r.Error(), "failed")
}

func TestSubmit_Panic(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		panic("kaboom")
	})

	r, err := f.Get(context.Background())
	require.NoError(t, err)

	var pe *PanicError
	require.ErrorAs(t, r.Error(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestFuture_PeekBeforeReady(t *testing.T) {
	release := make(chan struct{})
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	_, ok := f.Peek()
	assert.False(t, ok)
	assert.False(t, f.Ready())

	close(release)
	<-f.Done()

	r, ok := f.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, r.Value())
}

func TestFuture_GetContextDone(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	defer f.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_Cancel(t *testing.T) {
	observed := make(chan error, 1)
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return 0, ctx.Err()
	})

	assert.True(t, f.Cancel())
	assert.False(t, f.Cancel())

	r, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Error(), ErrCancelled)

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("function did not observe cancellation")
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)

	var running, peak atomic.Int32
	futures := make([]*Future[int], 0, 6)
	for i := 0; i < 6; i++ {
		futures = append(futures, Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}))
	}

	for i, f := range futures {
		r, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, r.Value())
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_CancelQueued(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{})
	first := Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
		close(started)
		<-block
		return 1, nil
	})
	<-started

	var ran atomic.Bool
	queued := Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})

	assert.True(t, queued.Cancel())
	close(block)

	_, err = first.Get(context.Background())
	require.NoError(t, err)

	// The slot must be free again after the cancelled submission gave up.
	third := Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
		return 3, nil
	})
	r, err := third.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, r.Value())
	assert.False(t, ran.Load())
}

func TestPool_CancelledBodyKeepsSlot(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{})
	stubborn := Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
		close(started)
		<-block // ignores ctx
		return 1, nil
	})
	<-started
	require.True(t, stubborn.Cancel())

	var ran atomic.Bool
	next := Submit(context.Background(), pool, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "slot must stay taken while the cancelled body runs")

	close(block)
	r, err := next.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Value())
	assert.True(t, ran.Load())
}

func TestWaitAny(t *testing.T) {
	slow := Go(context.Background(), func(ctx context.Context) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "slow", nil
	})
	fast := Go(context.Background(), func(ctx context.Context) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "fast", nil
	})

	idx, err := WaitAny(context.Background(), slow, fast)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestWaitAny_Empty(t *testing.T) {
	_, err := WaitAny(context.Background())
	assert.ErrorIs(t, err, ErrNoFutures)
}

func TestWaitAny_ContextDone(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, nil
	})
	defer f.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WaitAny(ctx, f)
	assert.ErrorIs(t, err, context.Canceled)
}
