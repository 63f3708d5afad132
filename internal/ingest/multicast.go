package ingest

import (
	"context"
	"fmt"
	"net"
)

// multicastReadBufferSize bounds one ReadFromUDP call; large enough for the
// biggest UDP datagrams a multicast TS feed typically uses (7-packet/1316
// byte RTP-wrapped groups, or full-MTU raw UDP).
const multicastReadBufferSize = 4096

// MulticastInput is a UDP multicast ingest input (spec.md §6 "UDP multicast
// ingest"). SO_REUSEADDR and IGMP group-join are handled by
// net.ListenMulticastUDP; a configured bind device selects the interface
// the group is joined on, but the socket is not bound to that device (see
// DESIGN.md).
type MulticastInput struct {
	addr  *net.UDPAddr
	iface *net.Interface
}

// NewMulticastInput resolves addrPort ("addr:port") and, if bindDevice is
// non-empty, the named interface to join the multicast group on.
func NewMulticastInput(addrPort, bindDevice string) (*MulticastInput, error) {
	addr, err := net.ResolveUDPAddr("udp", addrPort)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolving multicast address: %w", err)
	}
	var iface *net.Interface
	if bindDevice != "" {
		iface, err = net.InterfaceByName(bindDevice)
		if err != nil {
			return nil, fmt.Errorf("ingest: resolving bind device %q: %w", bindDevice, err)
		}
	}
	return &MulticastInput{addr: addr, iface: iface}, nil
}

// Run joins the multicast group and streams received datagrams into sink
// until ctx is cancelled.
func (m *MulticastInput) Run(ctx context.Context, sink Sink) error {
	conn, err := net.ListenMulticastUDP("udp", m.iface, m.addr)
	if err != nil {
		return fmt.Errorf("ingest: joining multicast group: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, multicastReadBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: reading multicast datagram: %w", err)
		}
		if n > 0 {
			if serr := sink(buf[:n]); serr != nil {
				return serr
			}
		}
	}
}
