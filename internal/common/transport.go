package common

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// Transport moves datagrams for a single transfer. The slice returned by
// Receive is only valid until the next call.
type Transport interface {
	Send(to net.Addr, b []byte) error
	// Receive waits at most timeout and returns ErrTimeout if nothing arrived.
	Receive(timeout time.Duration) (net.Addr, []byte, error)
	LocalAddr() net.Addr
	Close() error
}

type UDPTransport struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenUDP binds address (host:port, port 0 for an ephemeral TID). A non
// zero tos is applied to outgoing IPv4 datagrams.
func ListenUDP(address string, tos int) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(ErrConnect, "resolve %v: %v", address, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(ErrConnect, "listen on %v: %v", address, err)
	}

	if tos != 0 {
		if err := SetTOS(conn, tos); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return NewUDPTransport(conn), nil
}

func NewUDPTransport(conn *net.UDPConn) *UDPTransport {
	return &UDPTransport{
		conn: conn,
		buf:  make([]byte, MaxPacketSize),
	}
}

// SetTOS marks the IPv4 type of service on conn.
func SetTOS(conn *net.UDPConn, tos int) error {
	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		return errors.Wrapf(err, "set TOS %#x on %v", tos, conn.LocalAddr())
	}
	return nil
}

func (t *UDPTransport) Send(to net.Addr, b []byte) error {
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		return errors.Errorf("not a UDP address: %v", to)
	}
	if _, err := t.conn.WriteToUDP(b, udpAddr); err != nil {
		return errors.Wrapf(err, "write to %v", to)
	}
	return nil
}

func (t *UDPTransport) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}

	n, addr, err := t.conn.ReadFromUDP(t.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return addr, t.buf[:n], nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// SameEndpoint reports whether a and b name the same address and port.
func SameEndpoint(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
