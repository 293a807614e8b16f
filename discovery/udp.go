/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package discovery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/clipsync/clipsync/internal/logging"
)

// encodeUDPPacket builds the "CLIPSYNC"|0x01|u32be(len)|JSON frame.
func encodeUDPPacket(info ServiceInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(udpMagic)+1+4+len(body))
	buf = append(buf, []byte(udpMagic)...)
	buf = append(buf, udpVersion)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)
	return buf, nil
}

// decodeUDPPacket validates the magic/version header and unmarshals the
// JSON body.
func decodeUDPPacket(b []byte) (ServiceInfo, error) {
	const headerLen = len(udpMagic) + 1 + 4
	var info ServiceInfo
	if len(b) < headerLen {
		return info, fmt.Errorf("discovery: udp packet too short")
	}
	if string(b[:len(udpMagic)]) != udpMagic {
		return info, fmt.Errorf("discovery: bad udp magic")
	}
	if b[len(udpMagic)] != udpVersion {
		return info, fmt.Errorf("discovery: unsupported udp packet version %d", b[len(udpMagic)])
	}
	n := binary.BigEndian.Uint32(b[len(udpMagic)+1 : headerLen])
	if int(n) != len(b)-headerLen {
		return info, fmt.Errorf("discovery: udp packet length mismatch")
	}
	if err := json.Unmarshal(b[headerLen:], &info); err != nil {
		return info, fmt.Errorf("discovery: decode udp body: %w", err)
	}
	return info, nil
}

// RunUDPBroadcaster sends our ServiceInfo to the broadcast address
// every udpInterval until ctx is cancelled.
func RunUDPBroadcaster(ctx context.Context, info ServiceInfo, log *logging.Logger) {
	if log == nil {
		log = logging.NewDiscard()
	}
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: udpPort}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		log.Error("udp broadcaster: cannot open socket", logging.KVErr(err))
		return
	}
	defer conn.Close()

	send := func() {
		pkt, err := encodeUDPPacket(info)
		if err != nil {
			log.Error("udp broadcaster: encode failed", logging.KVErr(err))
			return
		}
		if _, err := conn.WriteToUDP(pkt, addr); err != nil {
			log.Warn("udp broadcaster: send failed", logging.KVErr(err))
		}
	}

	send()
	t := time.NewTicker(udpInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			send()
		}
	}
}

// RunUDPListener receives broadcast packets on udpPort, translating
// valid ones into Manager sightings. The sender's observed source IP
// replaces the advertised host; the advertised port is preserved.
func RunUDPListener(ctx context.Context, selfID string, mgr *Manager, log *logging.Logger) {
	if log == nil {
		log = logging.NewDiscard()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: udpPort})
	if err != nil {
		log.Error("udp listener: cannot bind", logging.KV("port", udpPort), logging.KVErr(err))
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("udp listener: read failed", logging.KVErr(err))
			continue
		}
		info, err := decodeUDPPacket(buf[:n])
		if err != nil {
			log.Warn("udp listener: dropping malformed packet", logging.KVErr(err))
			continue
		}
		if info.ID == selfID {
			continue
		}
		mgr.AddPeer(PeerInfo{
			ID:        info.ID,
			Name:      info.Name,
			Addresses: []net.IP{src.IP},
			Port:      info.Port,
			Version:   info.Version,
			Platform:  info.Platform,
			Metadata: Metadata{
				SSHFinger:    info.SSHFp,
				Capabilities: info.Caps,
				DeviceName:   info.Device,
			},
			Source: SourceDiscovered,
		})
	}
}
