package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const maxRecordSize = 1<<16 - 1

var _ net.PacketConn = &recordConn{}

// recordConn carries DTLS records over a stream connection. Every record is
// prefixed with its length as a big-endian uint16 so the record boundaries
// DTLS relies on survive the stream.
//
// Records are read by a dedicated goroutine. Read deadlines are enforced
// locally and never touch the stream, so an interrupted read cannot leave
// the stream in the middle of a record.
type recordConn struct {
	conn   net.Conn
	remote net.Addr

	records chan []byte

	wmu sync.Mutex

	mu              sync.Mutex // Protects state below
	readDeadline    time.Time
	deadlineChanged chan struct{}
	readErr         error

	closeOnce sync.Once
	done      chan struct{}
}

func newRecordConn(conn net.Conn) *recordConn {
	c := &recordConn{
		conn:            conn,
		remote:          conn.RemoteAddr(),
		records:         make(chan []byte, 16),
		deadlineChanged: make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.readLoop()

	return c
}

func (c *recordConn) readLoop() {
	r := bufio.NewReaderSize(c.conn, MTU)
	var hdr [2]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			c.fail(err)
			return
		}
		rec := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(r, rec); err != nil {
			c.fail(err)
			return
		}

		select {
		case c.records <- rec:
		case <-c.done:
			return
		}
	}
}

func (c *recordConn) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *recordConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr == nil {
		return ErrTransportClosed
	}
	return c.readErr
}

func (c *recordConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		changed := c.deadlineChanged
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case rec := <-c.records:
			stopTimer(timer)
			n := copy(p, rec)
			if n < len(rec) {
				return n, c.remote, io.ErrShortBuffer
			}
			return n, c.remote, nil

		case <-c.done:
			stopTimer(timer)
			// Deliver what was already read before reporting the failure.
			select {
			case rec := <-c.records:
				n := copy(p, rec)
				return n, c.remote, nil
			default:
			}
			return 0, nil, c.err()

		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded

		case <-changed:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *recordConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if len(p) > maxRecordSize {
		return 0, fmt.Errorf("record too large: %d > %d", len(p), maxRecordSize)
	}

	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *recordConn) Close() error {
	c.fail(ErrTransportClosed)
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *recordConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *recordConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *recordConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *recordConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readDeadline = t
	close(c.deadlineChanged)
	c.deadlineChanged = make(chan struct{})
	return nil
}

func (c *recordConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
