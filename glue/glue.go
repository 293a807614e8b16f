/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package glue is the Trust-Aware Glue (C11): it wires discovery events
// to the Trust Store and the Authorized-Key Set, so a newly discovered
// and trusted peer becomes authenticatable without any other component
// needing to know about discovery at all.
package glue

import (
	"context"
	"fmt"

	"github.com/clipsync/clipsync/authkeys"
	"github.com/clipsync/clipsync/discovery"
	"github.com/clipsync/clipsync/identity"
	"github.com/clipsync/clipsync/internal/logging"
	"github.com/clipsync/clipsync/trust"
)

// Glue binds a discovery.Manager's event stream to a trust.Store and an
// authkeys.Set.
type Glue struct {
	trustStore *trust.Store
	authKeys   *authkeys.Set
	log        *logging.Logger
}

func New(trustStore *trust.Store, authKeys *authkeys.Set, log *logging.Logger) *Glue {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Glue{trustStore: trustStore, authKeys: authKeys, log: log}
}

// Run consumes discovery events until ctx is cancelled.
func (g *Glue) Run(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.handle(ev)
		}
	}
}

func (g *Glue) handle(ev discovery.Event) {
	switch ev.Kind {
	case discovery.Discovered:
		g.onDiscoveredOrUpdated(ev.Peer)
	case discovery.Updated:
		g.onDiscoveredOrUpdated(ev.Peer)
		g.reconcileTrustRevocation(ev.Peer)
	}
}

func (g *Glue) onDiscoveredOrUpdated(peer discovery.PeerInfo) {
	if peer.Metadata.SSHPublicKey == "" {
		g.log.Debug("glue: peer has no public key in metadata, skipping", logging.KV("peer", peer.ID))
		return
	}

	key, _, err := identity.ParseAuthorizedKeyLine(peer.Metadata.SSHPublicKey)
	if err != nil {
		g.log.Warn("glue: failed to parse peer public key", logging.KV("peer", peer.ID), logging.KVErr(err))
		return
	}
	fp := identity.Fingerprint(key)

	if g.authKeys.Contains(fp) {
		return
	}

	trusted, err := g.trustStore.ProcessPeer(peer.ID, peer.Name, fp)
	if err != nil {
		g.log.Warn("glue: trust store error", logging.KVErr(err))
		return
	}
	if !trusted {
		return
	}

	g.authKeys.AddKey(authkeys.Key{
		Public:  key,
		Comment: fmt.Sprintf("ClipSync: %s (%s)", peer.Name, peer.ID),
	})
}

// reconcileTrustRevocation re-adds a trusted peer whose key was
// dropped from the Authorized-Key Set, and removes a key whose trust
// was since revoked — keeping the two stores in lockstep per
// spec.md's "trust-authorized-keys consistency" invariant.
func (g *Glue) reconcileTrustRevocation(peer discovery.PeerInfo) {
	if peer.Metadata.SSHPublicKey == "" {
		return
	}
	key, _, err := identity.ParseAuthorizedKeyLine(peer.Metadata.SSHPublicKey)
	if err != nil {
		return
	}
	fp := identity.Fingerprint(key)

	isTrusted := g.trustStore.IsTrusted(fp)
	inSet := g.authKeys.Contains(fp)

	switch {
	case isTrusted && !inSet:
		g.authKeys.AddKey(authkeys.Key{
			Public:  key,
			Comment: fmt.Sprintf("ClipSync: %s (%s)", peer.Name, peer.ID),
		})
	case !isTrusted && inSet:
		g.authKeys.Remove(fp)
	}
}
