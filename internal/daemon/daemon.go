/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package daemon wires every ClipSync component together into one
// running process: identity, trust, discovery, sessions, the sync
// engine, and the glue between them. cmd/clipsyncd is a thin flag
// parser in front of this package.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/clipboard"
	"github.com/clipsync/clipsync/discovery"
	"github.com/clipsync/clipsync/glue"
	"github.com/clipsync/clipsync/history"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/clipsyncconfig"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/protocol"
	"github.com/clipsync/clipsync/reconnect"
	"github.com/clipsync/clipsync/session"
	"github.com/clipsync/clipsync/syncengine"
	"github.com/clipsync/clipsync/trust"
)

var capabilities = []string{"clipboard-sync/1"}

// Daemon owns every long-lived component for one ClipSync node.
type Daemon struct {
	cfg *clipsyncconfig.Config
	log *logging.Logger

	key      *identity.KeyPair
	authKeys *authkeys.Set
	trust    *trust.Store
	hist     *history.Store
	clip     clipboard.Provider

	discoveryMgr *discovery.Manager
	sync         *syncengine.Engine
	glue         *glue.Glue

	mu          sync.Mutex
	supervisors map[string]context.CancelFunc
}

// New loads configuration and every on-disk component state required
// before the daemon can run: keys, authorized keys, trust decisions,
// and the history store.
func New(log *logging.Logger) (*Daemon, error) {
	cfg, err := clipsyncconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}
	if err := log.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn("daemon: invalid log level in config", logging.KV("level", cfg.LogLevel))
	}

	key, err := loadOrGenerateKey(cfg.Auth.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("daemon: identity: %w", err)
	}

	authKeys, err := authkeys.LoadFromFile(cfg.Auth.AuthorizedKeys, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: authorized keys: %w", err)
	}

	trustStore, err := trust.Open(filepath.Join(clipsyncconfig.ConfigDir(), "trusted_devices.json"), trust.TerminalPrompt)
	if err != nil {
		return nil, fmt.Errorf("daemon: trust store: %w", err)
	}

	histKey, err := history.LoadOrCreateKey(filepath.Join(clipsyncconfig.ConfigDir(), "history.key"))
	if err != nil {
		return nil, fmt.Errorf("daemon: history key: %w", err)
	}
	hist, err := history.Open(cfg.Clipboard.HistoryDB, cfg.Clipboard.HistoryDB+".idx", histKey, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: history store: %w", err)
	}

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		key:         key,
		authKeys:    authKeys,
		trust:       trustStore,
		hist:        hist,
		clip:        clipboard.NewMemory(),
		supervisors: make(map[string]context.CancelFunc),
	}
	d.discoveryMgr = discovery.NewManager(cfg.NodeID, log)
	d.glue = glue.New(trustStore, authKeys, log)

	eng, err := syncengine.New(cfg.NodeID, d.clip, hist, d.discoveryMgr.MarkPeerFailed, log)
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("daemon: sync engine: %w", err)
	}
	d.sync = eng

	return d, nil
}

func loadOrGenerateKey(path string) (*identity.KeyPair, error) {
	k, err := identity.Load(path)
	if err == nil {
		return k, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	k, err = identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(filepath.Dir(path), filepath.Base(path), k); err != nil {
		return nil, err
	}
	return k, nil
}

// Run starts every background loop and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.hist.Close()

	d.sync.Run(ctx)
	go d.glue.Run(ctx, d.discoveryMgr.Subscribe())
	go d.reconcileLoop(ctx, d.discoveryMgr.Subscribe())
	go d.discoveryMgr.RunSweep(ctx)

	if err := clipsyncconfig.Watch(ctx, d.onConfigChanged, func(err error) {
		d.log.Warn("daemon: config reload failed", logging.KVErr(err))
	}); err != nil {
		d.log.Warn("daemon: config hot-reload disabled", logging.KVErr(err))
	}

	host, portStr, err := net.SplitHostPort(d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen_addr: %w", err)
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	info := discovery.ServiceInfo{
		ID:       d.cfg.NodeID,
		Name:     d.cfg.AdvertiseName,
		Port:     port,
		SSHFp:    d.key.Fingerprint(),
		Caps:     capabilities,
		Device:   d.cfg.AdvertiseName,
	}

	adv, err := discovery.Advertise(d.cfg.NodeID, host, port, info)
	if err != nil {
		d.log.Warn("daemon: mdns advertise failed", logging.KVErr(err))
	} else {
		defer adv.Shutdown()
	}
	go discovery.RunMDNSBrowser(ctx, d.cfg.NodeID, d.discoveryMgr, d.log)
	go discovery.RunUDPBroadcaster(ctx, info, d.log)
	go discovery.RunUDPListener(ctx, d.cfg.NodeID, d.discoveryMgr, d.log)

	acceptor := session.NewAcceptor(d.cfg.NodeID, capabilities, d.key, d.authKeys, d.log, d.handleAcceptedSession(ctx))
	mux := http.NewServeMux()
	mux.Handle("/clipsync", acceptor)
	srv := &http.Server{Addr: d.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// onConfigChanged applies the subset of config that is safe to change
// without a restart. Listen address, node identity, and storage paths
// are fixed for the life of the process; only the log level reloads
// live.
func (d *Daemon) onConfigChanged(cfg *clipsyncconfig.Config) {
	if err := d.log.SetLevelString(cfg.LogLevel); err != nil {
		d.log.Warn("daemon: invalid log level in reloaded config", logging.KV("level", cfg.LogLevel))
		return
	}
	d.log.Info("daemon: reloaded log level from config", logging.KV("level", cfg.LogLevel))
}

// handleAcceptedSession drives the handshake for an inbound connection
// and, once Ready, registers it with the sync engine.
func (d *Daemon) handleAcceptedSession(ctx context.Context) func(*session.Session) {
	return func(sess *session.Session) {
		go func() {
			if err := sess.Run(ctx); err != nil {
				d.log.Warn("daemon: inbound session ended", logging.KVErr(err))
				return
			}
		}()
		go func() {
			for sess.State() != session.StateReady {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
				if sess.State() == session.StateFailed || sess.State() == session.StateClosed {
					return
				}
			}
			d.sync.AddSession(ctx, sess.PeerNodeID(), sess)
		}()
	}
}

// reconcileLoop starts (and never duplicates) one reconnect supervisor
// per discovered peer with a known address, tearing the supervisor
// down again on Lost.
func (d *Daemon) reconcileLoop(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case discovery.Discovered, discovery.Updated:
				d.ensureSupervisor(ctx, ev.Peer)
			case discovery.Lost:
				d.stopSupervisor(ev.Peer.ID)
			}
		}
	}
}

func (d *Daemon) ensureSupervisor(ctx context.Context, peer discovery.PeerInfo) {
	addr, ok := peer.BestAddress()
	if !ok {
		return
	}

	d.mu.Lock()
	_, exists := d.supervisors[peer.ID]
	if exists {
		d.mu.Unlock()
		return
	}
	supCtx, cancel := context.WithCancel(ctx)
	d.supervisors[peer.ID] = cancel
	d.mu.Unlock()

	target := net.JoinHostPort(addr.String(), fmt.Sprintf("%d", peer.Port))

	sup := reconnect.New(peer.ID, reconnect.DefaultConfig(), d.connector(target, peer.ID, supCtx), d.log)
	go func() {
		for {
			select {
			case <-supCtx.Done():
				return
			case ev := <-sup.Events():
				if ev.Kind == reconnect.EventConnectionFailed {
					d.log.Warn("daemon: peer connection failed", logging.KV("peer", peer.ID), logging.KVErr(ev.Err))
				}
			}
		}
	}()
	go func() {
		if err := sup.Run(supCtx); err != nil {
			d.log.Warn("daemon: supervisor ended", logging.KV("peer", peer.ID), logging.KVErr(err))
		}
	}()
}

func (d *Daemon) stopSupervisor(peerID string) {
	d.mu.Lock()
	cancel, ok := d.supervisors[peerID]
	if ok {
		delete(d.supervisors, peerID)
	}
	d.mu.Unlock()
	if ok {
		cancel()
		d.sync.RemoveSession(peerID)
	}
}

// connector builds a reconnect.Connector that dials target, drives the
// session handshake, registers the session with the sync engine on
// success, and exposes a reconnect.Conn wrapper for health checking.
func (d *Daemon) connector(target, peerID string, supCtx context.Context) reconnect.Connector {
	return func(ctx context.Context) (reconnect.Conn, error) {
		sess, err := session.Dial(target, d.cfg.NodeID, capabilities, d.key, d.authKeys, d.log)
		if err != nil {
			return nil, err
		}
		runErrCh := make(chan error, 1)
		go func() { runErrCh <- sess.Run(supCtx) }()

		for sess.State() != session.StateReady {
			select {
			case err := <-runErrCh:
				return nil, fmt.Errorf("daemon: session to %s failed: %w", target, err)
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				sess.Close(protocol.CloseTimeout, "dial timeout")
				return nil, ctx.Err()
			}
		}
		d.sync.AddSession(supCtx, sess.PeerNodeID(), sess)
		return &sessionConn{sess: sess, runErrCh: runErrCh}, nil
	}
}

// sessionConn adapts *session.Session to reconnect.Conn. The session
// protocol has no echoed ping/pong, so Ping reports liveness from
// session state rather than a measured round trip.
type sessionConn struct {
	sess     *session.Session
	runErrCh chan error
	doneOnce sync.Once
	done     chan struct{}
}

func (c *sessionConn) Ping(ctx context.Context) (time.Duration, error) {
	if c.sess.State() != session.StateReady {
		return 0, fmt.Errorf("session: not ready")
	}
	start := time.Now()
	if err := c.sess.Send(protocol.TypeKeepAlive, struct{}{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *sessionConn) Done() <-chan struct{} {
	c.doneOnce.Do(func() {
		c.done = make(chan struct{})
		go func() {
			<-c.runErrCh
			close(c.done)
		}()
	})
	return c.done
}

func (c *sessionConn) Close() error {
	return c.sess.Close(protocol.CloseClientDisconnect, "supervisor closing")
}
