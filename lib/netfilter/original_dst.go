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

//go:build linux

// Package netfilter installs and tears down the nftables rules that
// redirect captured traffic to an ingress/egress listener, and recovers
// the flow's original destination and tags outbound sockets to prevent
// recapture (spec §4.5 "netfilter", §4.6 "netfilter", §4.7).
package netfilter

import (
	"net"
	"net/netip"
	"unsafe"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// soOriginalDst is SO_ORIGINAL_DST, Linux's netfilter-specific getsockopt
// for recovering a REDIRECT'd connection's pre-NAT destination. It is not
// exposed by golang.org/x/sys/unix as a named constant.
const soOriginalDst = 80

// OriginalDestination recovers the pre-redirect destination of conn via
// SO_ORIGINAL_DST (spec §4.5, §4.6: "recovered via the SO_ORIGINAL_DST
// getsockopt").
func OriginalDestination(conn *net.TCPConn) (netip.AddrPort, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, trace.Wrap(err)
	}

	var addr netip.AddrPort
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		addr, sysErr = getOriginalDst(int(fd))
	})
	if err != nil {
		return netip.AddrPort{}, trace.Wrap(err)
	}
	if sysErr != nil {
		return netip.AddrPort{}, trace.Wrap(sysErr)
	}
	return addr, nil
}

// sockaddrIn mirrors struct sockaddr_in as returned by SO_ORIGINAL_DST for
// IPv4 sockets.
type sockaddrIn struct {
	family uint16
	port   [2]byte
	addr   [4]byte
	zero   [8]byte
}

func getOriginalDst(fd int) (netip.AddrPort, error) {
	var raw sockaddrIn
	size := uint32(unsafe.Sizeof(raw))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(unix.SOL_IP),
		uintptr(soOriginalDst), uintptr(unsafe.Pointer(&raw)), uintptr(unsafe.Pointer(&size)), 0)
	if errno != 0 {
		return netip.AddrPort{}, trace.ConnectionProblem(errno, "SO_ORIGINAL_DST getsockopt failed")
	}
	port := uint16(raw.port[0])<<8 | uint16(raw.port[1])
	addr := netip.AddrFrom4([4]byte{raw.addr[0], raw.addr[1], raw.addr[2], raw.addr[3]})
	return netip.AddrPortFrom(addr, port), nil
}

// SetMark tags conn's underlying socket with SO_MARK so the nftables
// redirect rules can be written to ignore already-marked traffic, breaking
// the capture loop that would otherwise redirect TNG's own outbound
// encrypted connections back into itself (spec §4.6).
func SetMark(conn *net.TCPConn, mark uint32) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return trace.Wrap(err)
	}
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(sysErr)
}
