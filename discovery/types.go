/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package discovery implements the Discovery Pipeline (C4): an mDNS/
// DNS-SD sub-discoverer and a UDP broadcast fallback, both feeding a
// shared Peer Manager that de-duplicates by NodeId and emits
// {Discovered, Updated, Lost, Error} events.
package discovery

import (
	"net"
	"time"
)

const (
	ServiceType    = "_clipsync._tcp"
	ServiceDomain  = "local."
	udpPort        = 9091
	udpMagic       = "CLIPSYNC"
	udpVersion     = 0x01
	udpInterval    = 30 * time.Second
	sweepInterval  = 60 * time.Second
	peerTTL        = 5 * time.Minute
	failureLimit   = 3
	mdnsQueryEvery = 15 * time.Second
)

// PeerSource distinguishes peers an operator configured by hand from
// ones the wire discovered; only the latter are subject to the
// staleness sweep (spec.md's manual peers never expire on their own).
type PeerSource int

const (
	SourceDiscovered PeerSource = iota
	SourceManual
)

// Metadata is the discovery-carried side channel used by the
// trust-aware glue (C11) to learn a peer's SSH identity without a
// prior session.
type Metadata struct {
	SSHPublicKey string   `json:"ssh_public_key,omitempty"`
	SSHFinger    string   `json:"ssh_fp,omitempty"`
	Capabilities []string `json:"caps,omitempty"`
	DeviceName   string   `json:"device,omitempty"`
}

// PeerInfo describes one known peer device.
type PeerInfo struct {
	ID        string
	Name      string
	Addresses []net.IP
	Port      int
	Version   string
	Platform  string
	Metadata  Metadata
	Source    PeerSource

	LastSeen            time.Time
	ConsecutiveFailures int
}

// BestAddress prefers IPv4 over IPv6, matching the spec's
// best_address() contract.
func (p *PeerInfo) BestAddress() (net.IP, bool) {
	var v6 net.IP
	for _, a := range p.Addresses {
		if v4 := a.To4(); v4 != nil {
			return v4, true
		}
		if v6 == nil {
			v6 = a
		}
	}
	if v6 != nil {
		return v6, true
	}
	return nil, false
}

type EventKind int

const (
	Discovered EventKind = iota
	Updated
	Lost
	Error
)

func (k EventKind) String() string {
	switch k {
	case Discovered:
		return "Discovered"
	case Updated:
		return "Updated"
	case Lost:
		return "Lost"
	case Error:
		return "Error"
	}
	return "Unknown"
}

// Event is published on the Manager's broadcast channel.
type Event struct {
	Kind EventKind
	Peer PeerInfo
	Err  error
}

// ServiceInfo is the JSON payload of the UDP broadcast fallback and is
// also the shape advertised conceptually over mDNS TXT records.
type ServiceInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Port     int      `json:"port"`
	Version  string   `json:"version"`
	Platform string   `json:"platform"`
	SSHFp    string   `json:"ssh_fp,omitempty"`
	Caps     []string `json:"caps,omitempty"`
	Device   string   `json:"device,omitempty"`
}
