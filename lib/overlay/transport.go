// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package overlay implements the peer key-share overlay of spec §4.10:
// gossip membership (`hashicorp/memberlist`) carried over a mutual
// RATS-TLS channel, mirroring each member's published OHTTP public key
// into every other member's local decryption ring.
package overlay

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/memberlist"

	"github.com/gravitational/tng/lib/ratstls"
)

// packetBufferSize bounds one SWIM datagram; memberlist's own default UDP
// buffer size is the same order of magnitude.
const packetBufferSize = 65536

// Transport implements memberlist.Transport. SWIM's packet layer (health
// pings, indirect pings) stays plain UDP, the same as memberlist's
// built-in NetTransport — no secret ever crosses it. The stream layer
// (full-state push/pull, which is how LocalState/MergeRemoteState and
// therefore key material travels) is TCP wrapped in a mutual RATS-TLS
// handshake, reusing lib/ratstls exactly as spec §4.10 prescribes.
type Transport struct {
	udpConn *net.UDPConn
	tcpLn   net.Listener
	ratsCfg *ratstls.Config

	packetCh chan *memberlist.Packet
	streamCh chan net.Conn
	shutdown chan struct{}
}

// NewTransport binds addr:port for both the UDP packet layer and the TCP
// stream layer and starts accepting on both.
func NewTransport(addr string, port int, ratsCfg *ratstls.Config) (*Transport, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(addr), Port: port})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tcpLn, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		udpConn.Close()
		return nil, trace.Wrap(err)
	}

	t := &Transport{
		udpConn:  udpConn,
		tcpLn:    tcpLn,
		ratsCfg:  ratsCfg,
		packetCh: make(chan *memberlist.Packet),
		streamCh: make(chan net.Conn),
		shutdown: make(chan struct{}),
	}
	go t.readPackets()
	go t.acceptStreams()
	return t, nil
}

// FinalAdvertiseAddr reports the address other members should dial us on.
func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, 0, trace.BadParameter("overlay: invalid advertise address %q", ip)
		}
		return parsed, port, nil
	}
	tcpAddr, ok := t.tcpLn.Addr().(*net.TCPAddr)
	if !ok {
		return nil, 0, trace.BadParameter("overlay: listener address is not TCP")
	}
	return tcpAddr.IP, tcpAddr.Port, nil
}

// WriteTo sends one SWIM packet over UDP.
func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	if _, err := t.udpConn.WriteTo(b, udpAddr); err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return time.Now(), nil
}

// PacketCh returns the channel of received SWIM packets.
func (t *Transport) PacketCh() <-chan *memberlist.Packet { return t.packetCh }

// DialTimeout opens a mutual RATS-TLS stream connection to addr (used for
// push/pull state sync and reliable user messages).
func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clientCfg, err := t.ratsCfg.ClientConfig()
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	tlsConn := tls.Client(conn, clientCfg)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err)
	}
	return tlsConn, nil
}

// StreamCh returns the channel of accepted, already-handshaked stream
// connections.
func (t *Transport) StreamCh() <-chan net.Conn { return t.streamCh }

// Shutdown stops both listeners.
func (t *Transport) Shutdown() error {
	close(t.shutdown)
	t.udpConn.Close()
	return t.tcpLn.Close()
}

func (t *Transport) readPackets() {
	buf := make([]byte, packetBufferSize)
	for {
		n, addr, err := t.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.packetCh <- &memberlist.Packet{Buf: cp, From: addr, Timestamp: time.Now()}:
		case <-t.shutdown:
			return
		}
	}
}

func (t *Transport) acceptStreams() {
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		go t.handshakeAndHandoff(conn)
	}
}

func (t *Transport) handshakeAndHandoff(conn net.Conn) {
	serverCfg, err := t.ratsCfg.ServerConfig()
	if err != nil {
		conn.Close()
		return
	}
	tlsConn := tls.Server(conn, serverCfg)
	ctx, cancel := context.WithTimeout(context.Background(), ratstls.HandshakeDeadline)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return
	}
	select {
	case t.streamCh <- tlsConn:
	case <-t.shutdown:
		tlsConn.Close()
	}
}
