package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// Conn is a secure connection. Until Handshake succeeds, Read and Write fail
// with ErrNotEstablished.
type Conn struct {
	network  string
	dtlsConn *dtls.Conn
	isClient bool

	handshakeTimeout time.Duration

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	wmu sync.Mutex // Serializes chunked writes

	mu       sync.Mutex // Protects state below
	app      io.ReadWriteCloser
	closed   bool
	closeErr error
}

func newConn(network string, dtlsConn *dtls.Conn, isClient bool, config *Config) *Conn {
	return &Conn{
		network:          network,
		dtlsConn:         dtlsConn,
		isClient:         isClient,
		handshakeTimeout: config.HandshakeTimeout,
		loggerFactory:    config.LoggerFactory,
		log:              config.LoggerFactory.NewLogger("transport"),
	}
}

// Handshake runs the PSK handshake. A peer that does not hold the same
// passcode-derived key fails it, at the latest when the handshake timeout
// expires. On failure the connection is closed.
func (c *Conn) Handshake(ctx context.Context) error {
	if c.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}

	if err := c.dtlsConn.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Debugf("Handshake with %s timed out, passcode mismatch?", c.RemoteAddr())
		}
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var app io.ReadWriteCloser = &recordStream{
		rw:    c.dtlsConn,
		rdBuf: make([]byte, MTU),
	}
	if c.network == NetworkUDP {
		var err error
		app, err = newSCTPStream(c.dtlsConn, c.isClient, c.loggerFactory)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = app.Close()
		return ErrTransportClosed
	}
	c.app = app
	c.mu.Unlock()

	c.log.Debugf("Secure channel established with %s over %s", c.RemoteAddr(), c.network)
	return nil
}

func (c *Conn) stream() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closeErr
	}
	if c.app == nil {
		return nil, ErrNotEstablished
	}
	return c.app, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	s, err := c.stream()
	if err != nil {
		return 0, err
	}
	return s.Read(p)
}

// Write writes p as a whole. Concurrent writes do not interleave.
func (c *Conn) Write(p []byte) (int, error) {
	s, err := c.stream()
	if err != nil {
		return 0, err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeChunked(s, p)
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = ErrTransportClosed
	app := c.app
	c.mu.Unlock()

	if app != nil {
		_ = app.Close()
	}
	return c.dtlsConn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.dtlsConn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.dtlsConn.LocalAddr()
}

// Network returns NetworkTCP or NetworkUDP.
func (c *Conn) Network() string {
	return c.network
}

// IsClient reports whether this side dialed.
func (c *Conn) IsClient() bool {
	return c.isClient
}

// recordStream exposes a record oriented reader as a byte stream. Reads into
// buffers smaller than a record are served from the remainder.
type recordStream struct {
	rw io.ReadWriter

	mu             sync.Mutex
	rdBuf          []byte
	rdBufRemaining []byte
}

func (s *recordStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rdBufRemaining) > 0 {
		return s.readRemaining(p)
	}

	n, err := s.rw.Read(s.rdBuf)
	if err != nil {
		return n, err
	}
	s.rdBufRemaining = s.rdBuf[:n]

	return s.readRemaining(p)
}

// Caller must hold the lock.
func (s *recordStream) readRemaining(p []byte) (int, error) {
	n := copy(p, s.rdBufRemaining)
	s.rdBufRemaining = s.rdBufRemaining[n:]
	return n, nil
}

func (s *recordStream) Write(p []byte) (int, error) {
	return s.rw.Write(p)
}

// Close is a no-op; the owning Conn closes the DTLS connection.
func (s *recordStream) Close() error {
	return nil
}

func writeChunked(dst io.Writer, p []byte) (int, error) {
	b := p
	nr := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxRecordPayload {
			chunk = chunk[:maxRecordPayload]
		}
		n, err := dst.Write(chunk)
		if err != nil {
			return nr, err
		}
		nr += n
		b = b[n:]
	}
	return nr, nil
}
