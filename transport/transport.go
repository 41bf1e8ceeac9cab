// Package transport provides the authenticated, encrypted byte stream that
// carries remote logger frames.
//
// Both peers derive a pre-shared key from a passcode and negotiate DTLS with
// a PSK cipher suite. Over TCP (the default) DTLS records are carried on the
// stream with a small length prefix and TCP keep-alive detects dead peers.
// Over UDP an SCTP association on top of DTLS provides the reliable, ordered
// stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// MTU is the size of the buffers records are read into. Larger writes
// are split.
const MTU = 8192

// maxRecordPayload leaves room for the record header and AEAD overhead so a
// sealed record still fits the receiver's MTU sized buffer.
const maxRecordPayload = MTU - 128

const (
	NetworkTCP = "tcp"
	NetworkUDP = "udp"
)

const DefaultKeepAlive = 2 * time.Second

// DefaultHandshakeTimeout bounds the PSK handshake. Records sealed with a
// different key are discarded without an alert, so a passcode mismatch only
// surfaces once this expires.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrUnknownIdentity    = errors.New("unknown psk identity")
	ErrTransportClosed    = errors.New("transport closed")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrNotEstablished     = errors.New("transport not established")
)

// Config describes how to reach and authenticate a peer.
type Config struct {
	// SharedCode identifies the application. It is used as the PSK identity
	// and as the message authenticated with the passcode.
	SharedCode string
	Passcode   string

	// Network is NetworkTCP or NetworkUDP.
	Network string

	// KeepAlive is the TCP keep-alive idle time and probe interval.
	KeepAlive time.Duration

	// HandshakeTimeout bounds Conn.Handshake. Negative waits for the
	// context only.
	HandshakeTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

func (c *Config) normalize() error {
	if c.SharedCode == "" {
		return errors.New("shared code must be set")
	}
	c.Network = strings.ToLower(c.Network)
	if c.Network == "" {
		c.Network = NetworkTCP
	}
	if c.Network != NetworkTCP && c.Network != NetworkUDP {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, c.Network)
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return nil
}

func (c *Config) keepAliveConfig() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   c.KeepAlive > 0,
		Idle:     c.KeepAlive,
		Interval: c.KeepAlive,
		Count:    3,
	}
}

// Transport dials and listens for secure connections.
type Transport struct {
	config Config
	log    logging.LeveledLogger
}

// New validates c and returns a Transport.
func New(c Config) (*Transport, error) {
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &Transport{
		config: c,
		log:    c.LoggerFactory.NewLogger("transport"),
	}, nil
}

// Network returns the network this transport listens on.
func (t *Transport) Network() string {
	return t.config.Network
}

// Dial opens the raw connection to addr. The returned Conn has not completed
// its handshake yet; call Handshake before use. An empty network selects the
// configured default.
func (t *Transport) Dial(ctx context.Context, network, addr string) (*Conn, error) {
	if network == "" {
		network = t.config.Network
	}

	switch network {
	case NetworkTCP:
		d := net.Dialer{KeepAliveConfig: t.config.keepAliveConfig()}
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		rc := newRecordConn(raw)
		dtlsConn, err := dtls.Client(rc, rc.RemoteAddr(), t.config.dtlsConfig())
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		return newConn(NetworkTCP, dtlsConn, true, &t.config), nil

	case NetworkUDP:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		dtlsConn, err := dtls.Dial("udp", udpAddr, t.config.dtlsConfig())
		if err != nil {
			return nil, err
		}
		return newConn(NetworkUDP, dtlsConn, true, &t.config), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
}

// Listen starts accepting raw connections on addr.
func (t *Transport) Listen(addr string) (*Listener, error) {
	l := &Listener{
		network: t.config.Network,
		config:  t.config,
	}

	switch t.config.Network {
	case NetworkTCP:
		lc := net.ListenConfig{KeepAliveConfig: t.config.keepAliveConfig()}
		inner, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return nil, err
		}
		l.inner = inner

	case NetworkUDP:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		inner, err := dtls.Listen("udp", udpAddr, t.config.dtlsConfig())
		if err != nil {
			return nil, err
		}
		l.inner = inner
	}

	t.log.Debugf("Listening on %s/%s", l.inner.Addr(), l.network)
	return l, nil
}

// Listener accepts secure connections.
type Listener struct {
	network string
	config  Config
	inner   net.Listener
}

// Accept waits for the next raw connection. The returned Conn has not
// completed its handshake yet.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	if l.network == NetworkUDP {
		dtlsConn, ok := raw.(*dtls.Conn)
		if !ok {
			_ = raw.Close()
			return nil, fmt.Errorf("unexpected connection type %T", raw)
		}
		return newConn(NetworkUDP, dtlsConn, false, &l.config), nil
	}

	rc := newRecordConn(raw)
	dtlsConn, err := dtls.Server(rc, rc.RemoteAddr(), l.config.dtlsConfig())
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return newConn(NetworkTCP, dtlsConn, false, &l.config), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Port returns the listening port.
func (l *Listener) Port() int {
	switch a := l.inner.Addr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	return 0
}

// Network returns NetworkTCP or NetworkUDP.
func (l *Listener) Network() string {
	return l.network
}

func (l *Listener) Close() error {
	return l.inner.Close()
}
