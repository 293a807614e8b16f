/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package reconnect is the Reconnection Supervisor (C9): one per peer,
// owning zero-or-one live Session and re-establishing it under
// exponential backoff with jitter. The backoff/retry shape is modeled
// on the teacher's ingest/muxer.go target health tracking and retry
// loop, generalized from "N backend targets" to "one peer, retry
// forever (or until max_attempts)".
package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/clipsync/clipsync/internal/logging"
)

type Health int

const (
	Healthy Health = iota
	Degraded
	Disconnected
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	}
	return "Disconnected"
}

// Config mirrors spec.md's C9 tunables.
type Config struct {
	MaxAttempts        int // 0 = infinite
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	JitterFactor       float64
	HealthCheckInterval time.Duration
	ConnectionTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:         0,
		InitialDelay:        time.Second,
		MaxDelay:            60 * time.Second,
		BackoffMultiplier:   2.0,
		JitterFactor:        0.1,
		HealthCheckInterval: 30 * time.Second,
		ConnectionTimeout:   10 * time.Second,
	}
}

// EventKind enumerates the supervisor's published lifecycle events.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota
	EventConnectionFailed
	EventHealthChanged
)

type Event struct {
	Kind   EventKind
	PeerID string
	Health Health
	Err    error
}

// Connector dials a new session to the peer; returning a Conn the
// supervisor can probe for liveness and tear down on failure.
type Connector func(ctx context.Context) (Conn, error)

// Conn is the minimum surface the supervisor needs from a live
// session: a way to probe liveness (with latency) and a way to learn
// it died out-of-band.
type Conn interface {
	// Ping measures round-trip liveness, returning the observed
	// latency or an error if the peer is unreachable.
	Ping(ctx context.Context) (time.Duration, error)
	// Done is closed when the underlying session has ended.
	Done() <-chan struct{}
	Close() error
}

const latencySamples = 5
const degradedThreshold = 5 * time.Second

// Supervisor owns zero-or-one Conn to a single peer.
type Supervisor struct {
	peerID    string
	cfg       Config
	connector Connector
	log       *logging.Logger

	events chan Event

	mu      sync.Mutex
	health  Health
	conn    Conn
	latency []time.Duration
}

func New(peerID string, cfg Config, connector Connector, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Supervisor{
		peerID:    peerID,
		cfg:       cfg,
		connector: connector,
		log:       log,
		events:    make(chan Event, 16),
		health:    Disconnected,
	}
}

func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Supervisor) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("reconnect: event queue full, dropping", logging.KV("peer", s.peerID))
	}
}

// Run drives the connect/retry/health-check loop until ctx is
// cancelled or max_attempts is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++

		connCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		conn, err := s.connector(connCtx)
		cancel()
		if err != nil {
			s.publish(Event{Kind: EventConnectionFailed, PeerID: s.peerID, Err: err})
			if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
				return errors.New("reconnect: max attempts exhausted")
			}
			if s.quitableSleep(ctx, backoffDelay(s.cfg, attempt)) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		s.setConnAndHealth(conn, Healthy)
		s.publish(Event{Kind: EventConnectionEstablished, PeerID: s.peerID})

		s.superviseConnection(ctx, conn)
		s.setConnAndHealth(nil, Disconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) setConnAndHealth(c Conn, h Health) {
	s.mu.Lock()
	s.conn = c
	changed := s.health != h
	s.health = h
	s.mu.Unlock()
	if changed {
		s.publish(Event{Kind: EventHealthChanged, PeerID: s.peerID, Health: h})
	}
}

// superviseConnection runs the health-check ticker until the
// connection dies or the context is cancelled.
func (s *Supervisor) superviseConnection(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
			lat, err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.publish(Event{Kind: EventConnectionFailed, PeerID: s.peerID, Err: err})
				conn.Close()
				return
			}
			s.recordLatency(lat)
		}
	}
}

func (s *Supervisor) recordLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = append(s.latency, d)
	if len(s.latency) > latencySamples {
		s.latency = s.latency[len(s.latency)-latencySamples:]
	}
	var sum time.Duration
	for _, v := range s.latency {
		sum += v
	}
	avg := sum / time.Duration(len(s.latency))
	newHealth := Healthy
	if avg > degradedThreshold {
		newHealth = Degraded
	}
	changed := s.health != newHealth
	s.health = newHealth
	s.mu.Unlock()
	if changed {
		s.publish(Event{Kind: EventHealthChanged, PeerID: s.peerID, Health: newHealth})
	}
}

func (s *Supervisor) quitableSleep(ctx context.Context, d time.Duration) (cancelled bool) {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

// backoffDelay computes initial*multiplier^(attempt-1) capped at max,
// jittered by +/- jitter_factor.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.BackoffMultiplier
	}
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	jitter := d * cfg.JitterFactor * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
