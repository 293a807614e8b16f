/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	done chan struct{}
	lat  time.Duration
}

func (f *fakeConn) Ping(ctx context.Context) (time.Duration, error) { return f.lat, nil }
func (f *fakeConn) Done() <-chan struct{}                           { return f.done }
func (f *fakeConn) Close() error                                    { return nil }

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2, JitterFactor: 0}
	require.Equal(t, time.Second, backoffDelay(cfg, 1))
	require.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	require.Equal(t, 4*time.Second, backoffDelay(cfg, 3))
	require.Equal(t, 10*time.Second, backoffDelay(cfg, 10)) // capped
}

func TestRunEstablishesConnectionAndPublishesEvent(t *testing.T) {
	var attempts int32
	connector := func(ctx context.Context) (Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return &fakeConn{done: make(chan struct{})}, nil
	}
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 50 * time.Millisecond
	sup := New("peer-1", cfg, connector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	ev := <-sup.Events()
	require.Equal(t, EventConnectionEstablished, ev.Kind)
	require.Equal(t, Healthy, sup.Health())
	cancel()
}

func TestRunRetriesOnConnectFailure(t *testing.T) {
	var attempts int32
	connector := func(ctx context.Context) (Conn, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("dial refused")
		}
		return &fakeConn{done: make(chan struct{})}, nil
	}
	cfg := DefaultConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	sup := New("peer-2", cfg, connector, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sup.Run(ctx)

	for {
		ev := <-sup.Events()
		if ev.Kind == EventConnectionEstablished {
			break
		}
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestMaxAttemptsExhausted(t *testing.T) {
	connector := func(ctx context.Context) (Conn, error) {
		return nil, errors.New("always fails")
	}
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.MaxAttempts = 2
	sup := New("peer-3", cfg, connector, nil)

	err := sup.Run(context.Background())
	require.Error(t, err)
}
