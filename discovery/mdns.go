/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/clipsync/clipsync/internal/logging"
)

// MDNSAdvertiser publishes this node's service record and keeps it
// running until Shutdown, wrapping hashicorp/mdns's server.
type MDNSAdvertiser struct {
	server *mdns.Server
}

// Advertise registers "ClipSync-<nodeID>" under _clipsync._tcp.local.
// with the TXT record fields the spec requires.
func Advertise(nodeID, hostname string, port int, info ServiceInfo) (*MDNSAdvertiser, error) {
	txt := buildTXT(info)
	instance := "ClipSync-" + nodeID

	svc, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("discovery: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}
	return &MDNSAdvertiser{server: server}, nil
}

func (a *MDNSAdvertiser) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

func buildTXT(info ServiceInfo) []string {
	txt := []string{
		"id=" + info.ID,
		"version=" + info.Version,
		"platform=" + info.Platform,
	}
	if info.SSHFp != `` {
		txt = append(txt, "ssh_fp="+info.SSHFp)
	}
	if len(info.Caps) > 0 {
		txt = append(txt, "caps="+strings.Join(info.Caps, ","))
	}
	if info.Device != `` {
		txt = append(txt, "device="+info.Device)
	}
	return txt
}

// RunMDNSBrowser polls for _clipsync._tcp.local. services every
// mdnsQueryEvery, translating each ServiceEntry into a Manager
// sighting. hashicorp/mdns has no push-based removal notification, so
// loss detection for mDNS-sourced peers relies on the Manager's
// generic staleness sweep rather than an explicit ServiceRemoved
// signal.
func RunMDNSBrowser(ctx context.Context, selfID string, mgr *Manager, log *logging.Logger) {
	if log == nil {
		log = logging.NewDiscard()
	}
	t := time.NewTicker(mdnsQueryEvery)
	defer t.Stop()

	browseOnce(selfID, mgr, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			browseOnce(selfID, mgr, log)
		}
	}
}

func browseOnce(selfID string, mgr *Manager, log *logging.Logger) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			peer, err := peerFromEntry(entry)
			if err != nil {
				log.Warn("ignoring malformed mdns entry", logging.KVErr(err))
				continue
			}
			if peer.ID == selfID {
				continue
			}
			mgr.AddPeer(peer)
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entriesCh
	params.Timeout = 3 * time.Second
	params.DisableIPv6 = false

	if err := mdns.Query(params); err != nil {
		log.Warn("mdns query failed", logging.KVErr(err))
	}
	close(entriesCh)
	<-done
}

func peerFromEntry(e *mdns.ServiceEntry) (PeerInfo, error) {
	fields := parseTXT(e.InfoFields)
	id, ok := fields["id"]
	if !ok || id == `` {
		return PeerInfo{}, fmt.Errorf("entry %q missing id TXT field", e.Name)
	}

	addrs := entryAddrs(e)
	port := e.Port

	meta := Metadata{
		SSHFinger:  fields["ssh_fp"],
		DeviceName: fields["device"],
	}
	if caps, ok := fields["caps"]; ok && caps != `` {
		meta.Capabilities = strings.Split(caps, ",")
	}

	return PeerInfo{
		ID:        id,
		Name:      instanceName(e.Name),
		Addresses: addrs,
		Port:      port,
		Version:   fields["version"],
		Platform:  fields["platform"],
		Metadata:  meta,
		Source:    SourceDiscovered,
	}, nil
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if kv := strings.SplitN(f, "=", 2); len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// instanceName extracts "ClipSync-<NodeId>"'s prefix stripped form from
// the full mDNS record name (the NodeId is already captured via the
// TXT "id" field, so this is kept only for display).
func instanceName(name string) string {
	parts := strings.SplitN(name, ".", 2)
	return strings.TrimPrefix(parts[0], "ClipSync-")
}

func entryAddrs(e *mdns.ServiceEntry) []net.IP {
	var out []net.IP
	if e.AddrV4 != nil {
		out = append(out, e.AddrV4)
	}
	if e.AddrV6 != nil {
		out = append(out, e.AddrV6)
	}
	return out
}
