// Package channel provides the UDP endpoints the rig channels run on.
// Telemetry channels bind a known local port and receive; command channels
// bind an ephemeral port, send to a fixed peer and receive replies on the
// same socket.
package channel

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fieldrig/internal/metrics"
	"fieldrig/internal/wire"
)

var (
	// ErrTimeout reports that a receive deadline passed with no datagram.
	ErrTimeout = errors.New("receive timed out")
	// ErrClosed reports use of an endpoint after Close.
	ErrClosed = errors.New("endpoint closed")
	// ErrNoPeer reports Send on an endpoint with no peer configured.
	ErrNoPeer = errors.New("no peer configured")
)

// Config describes one endpoint.
type Config struct {
	Name string // channel name for logs and metrics
	Bind string // local "host:port"; empty or ":0" binds an ephemeral port
	Peer string // remote "host:port"; empty means receive-only until SetPeer
	Cap  int    // max accepted payload; defaults to wire.MaxDatagram
}

// Endpoint wraps one UDP socket.
type Endpoint struct {
	name string
	cap  int

	mu     sync.Mutex
	conn   *net.UDPConn
	bind   *net.UDPAddr
	peer   *net.UDPAddr
	closed bool

	readMu  sync.Mutex
	readBuf []byte

	mx *metrics.Set
}

// Open binds the endpoint described by cfg. A nil metrics set is replaced
// with unregistered collectors.
func Open(cfg Config, mx *metrics.Set) (*Endpoint, error) {
	if cfg.Name == "" {
		return nil, errors.New("channel needs a name")
	}
	if mx == nil {
		mx = metrics.New(nil)
	}
	capBytes := cfg.Cap
	if capBytes <= 0 {
		capBytes = wire.MaxDatagram
	}
	bind, err := net.ResolveUDPAddr("udp", bindAddr(cfg.Bind))
	if err != nil {
		return nil, errors.Wrapf(err, "channel %s resolve bind %q", cfg.Name, cfg.Bind)
	}
	var peer *net.UDPAddr
	if cfg.Peer != "" {
		peer, err = net.ResolveUDPAddr("udp", cfg.Peer)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %s resolve peer %q", cfg.Name, cfg.Peer)
		}
	}
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return nil, errors.Wrapf(err, "channel %s bind %s", cfg.Name, bind)
	}
	return &Endpoint{
		name: cfg.Name,
		cap:  capBytes,
		conn: conn,
		bind: bind,
		peer: peer,
		// one byte over the cap so a kernel-truncated oversized datagram
		// still trips the codec's size check
		readBuf: make([]byte, capBytes+1),
		mx:      mx,
	}, nil
}

func bindAddr(s string) string {
	if s == "" {
		return ":0"
	}
	return s
}

// Name returns the channel name.
func (e *Endpoint) Name() string { return e.name }

// LocalAddr returns the bound address, or nil after Close.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// SetPeer points Send at a new remote address.
func (e *Endpoint) SetPeer(addr string) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "channel %s resolve peer %q", e.name, addr)
	}
	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) live() (*net.UDPConn, *net.UDPAddr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.conn == nil {
		return nil, nil, ErrClosed
	}
	return e.conn, e.peer, nil
}

// Send transmits one datagram to the configured peer.
func (e *Endpoint) Send(b []byte) error {
	conn, peer, err := e.live()
	if err != nil {
		return err
	}
	if peer == nil {
		return errors.Wrapf(ErrNoPeer, "channel %s", e.name)
	}
	return e.sendTo(conn, peer, b)
}

// SendTo transmits one datagram to an explicit address, used by node agents
// to reply to the source of a received command.
func (e *Endpoint) SendTo(addr net.Addr, b []byte) error {
	conn, _, err := e.live()
	if err != nil {
		return err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errors.Errorf("channel %s: reply address %v is not UDP", e.name, addr)
	}
	return e.sendTo(conn, udpAddr, b)
}

func (e *Endpoint) sendTo(conn *net.UDPConn, addr *net.UDPAddr, b []byte) error {
	n, err := conn.WriteToUDP(b, addr)
	if err != nil {
		e.mx.SendErrors.WithLabelValues(e.name).Inc()
		if e.wasClosed(err) {
			return ErrClosed
		}
		return errors.Wrapf(err, "channel %s send to %s", e.name, addr)
	}
	e.mx.DatagramsOut.WithLabelValues(e.name).Inc()
	e.mx.BytesOut.WithLabelValues(e.name).Add(float64(n))
	return nil
}

// Receive waits up to timeout for one datagram and returns its payload and
// source address. A zero or negative timeout blocks until a datagram
// arrives or the endpoint closes. Expiry returns ErrTimeout; transport
// failures wrap the cause.
func (e *Endpoint) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	conn, _, err := e.live()
	if err != nil {
		return nil, nil, err
	}

	e.readMu.Lock()
	defer e.readMu.Unlock()

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	n, addr, err := conn.ReadFromUDP(e.readBuf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			e.mx.RecvTimeouts.WithLabelValues(e.name).Inc()
			return nil, nil, ErrTimeout
		}
		if e.wasClosed(err) {
			return nil, nil, ErrClosed
		}
		return nil, nil, errors.Wrapf(err, "channel %s receive", e.name)
	}
	e.mx.DatagramsIn.WithLabelValues(e.name).Inc()
	e.mx.BytesIn.WithLabelValues(e.name).Add(float64(n))
	out := make([]byte, n)
	copy(out, e.readBuf[:n])
	return out, addr, nil
}

func (e *Endpoint) wasClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close shuts the socket down. Safe to call more than once and from any
// goroutine; a blocked Receive returns ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Reopen rebinds the endpoint after a Close or in-place during recovery,
// keeping the configured peer. The bound port is the configured one, so a
// telemetry endpoint comes back on the same port.
func (e *Endpoint) Reopen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	conn, err := net.ListenUDP("udp", e.bind)
	if err != nil {
		e.closed = true
		return errors.Wrapf(err, "channel %s rebind %s", e.name, e.bind)
	}
	e.conn = conn
	e.closed = false
	return nil
}
