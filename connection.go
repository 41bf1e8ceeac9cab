package remotelogger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/backkem/go-remotelogger/protocol"
	"github.com/backkem/go-remotelogger/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

var ErrConnectionCanceled = errors.New("connection canceled")

type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateReady
	ConnectionStateFailed
	ConnectionStateCanceled
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateReady:
		return "ready"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s ConnectionState) closed() bool {
	return s == ConnectionStateFailed || s == ConnectionStateCanceled
}

// waitingAfter is how long dialing and the handshake may take before the
// connection is logged as waiting on its peer.
const waitingAfter = time.Second

type dialFunc func(ctx context.Context) (*transport.Conn, error)

// Connection is one secure, framed link to a peer. It reports its lifecycle
// and inbound frames as ConnectionEvents to its owner. A Connection is not
// reusable once it failed or was canceled.
type Connection struct {
	id        uuid.UUID
	initiated bool
	remote    string
	dial      dialFunc

	events    chan<- ConnectionEvent
	ownerDone <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log logging.LeveledLogger

	mu        sync.Mutex // Protects state below
	conn      *transport.Conn
	state     ConnectionState
	started   bool
	canceling bool
}

func newConnection(initiated bool, remote string, events chan<- ConnectionEvent, ownerDone <-chan struct{}, lf logging.LoggerFactory) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:        uuid.New(),
		initiated: initiated,
		remote:    remote,
		events:    events,
		ownerDone: ownerDone,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		log:       lf.NewLogger("connection"),
		state:     ConnectionStateConnecting,
	}
}

// newOutboundConnection dials addr once started.
func newOutboundConnection(t *transport.Transport, network, addr string, events chan<- ConnectionEvent, ownerDone <-chan struct{}, lf logging.LoggerFactory) *Connection {
	c := newConnection(true, addr, events, ownerDone, lf)
	c.dial = func(ctx context.Context) (*transport.Conn, error) {
		return t.Dial(ctx, network, addr)
	}
	return c
}

// newInboundConnection wraps an accepted raw connection.
func newInboundConnection(conn *transport.Conn, events chan<- ConnectionEvent, ownerDone <-chan struct{}, lf logging.LoggerFactory) *Connection {
	c := newConnection(false, conn.RemoteAddr().String(), events, ownerDone, lf)
	c.conn = conn
	return c
}

// ID identifies the connection in logs.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Initiated reports whether this side dialed out.
func (c *Connection) Initiated() bool {
	return c.initiated
}

// RemoteAddr returns the address of the peer.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached a closed state and released
// its transport.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Start begins dialing (outbound) or the handshake (inbound). Events are
// reported from a dedicated goroutine in the order they happen.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started || c.state.closed() {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

func (c *Connection) run() {
	defer close(c.done)

	c.emit(ConnectionEvent{Type: ConnectionEventPreparing})

	waiting := time.AfterFunc(waitingAfter, func() {
		c.log.Debugf("Connection %s waiting on %s", c.id, c.remote)
	})
	defer waiting.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = c.dial(c.ctx)
		if err != nil {
			c.finish(fmt.Errorf("failed to dial %s: %w", c.remote, err))
			return
		}

		c.mu.Lock()
		c.conn = conn
		canceling := c.canceling
		c.mu.Unlock()
		if canceling {
			c.finish(ErrConnectionCanceled)
			return
		}
	}

	if err := conn.Handshake(c.ctx); err != nil {
		c.finish(err)
		return
	}
	waiting.Stop()

	c.mu.Lock()
	if c.canceling {
		c.mu.Unlock()
		c.finish(ErrConnectionCanceled)
		return
	}
	c.state = ConnectionStateReady
	c.mu.Unlock()

	c.log.Infof("Connection %s ready (%s -> %s)", c.id, c.LocalAddr(), c.remote)
	c.emit(ConnectionEvent{Type: ConnectionEventReady})

	c.receive(conn)
}

// receive pulls bytes until the transport fails and reports every complete
// frame in wire order.
func (c *Connection) receive(conn *transport.Conn) {
	framer := protocol.NewFramer()
	buf := make([]byte, transport.MTU)
	skipped := 0
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, f := range framer.Feed(buf[:n]) {
				c.emit(ConnectionEvent{Type: ConnectionEventMessage, Frame: f})
			}
			if s := framer.Skipped(); s > skipped {
				c.log.Warnf("Connection %s dropped %d frame(s) larger than %d bytes", c.id, s-skipped, protocol.MaxPayloadSize)
				skipped = s
			}
		}
		if err != nil {
			if b := framer.Buffered(); b > 0 {
				c.log.Debugf("Connection %s discarding %d bytes of an incomplete frame", c.id, b)
			}
			c.finish(err)
			return
		}
	}
}

// finish moves to the closed state matching how the connection ended and
// tears the transport down.
func (c *Connection) finish(cause error) {
	c.mu.Lock()
	state := ConnectionStateFailed
	if c.canceling {
		state = ConnectionStateCanceled
	}
	c.state = state
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	if state == ConnectionStateCanceled {
		c.log.Debugf("Connection %s canceled", c.id)
		c.emit(ConnectionEvent{Type: ConnectionEventCanceled, Err: ErrConnectionCanceled})
		return
	}
	c.log.Warnf("Connection %s failed: %v", c.id, cause)
	c.emit(ConnectionEvent{Type: ConnectionEventFailed, Err: cause})
}

// Cancel requests teardown. Completion is confirmed by a
// ConnectionEventCanceled. Canceling a closed connection is a no-op. A
// connection that was never started is closed right away without events.
func (c *Connection) Cancel() {
	c.mu.Lock()
	if c.state.closed() || c.canceling {
		c.mu.Unlock()
		return
	}
	c.canceling = true
	started := c.started
	conn := c.conn
	if !started {
		c.state = ConnectionStateCanceled
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if !started {
		close(c.done)
	}
}

// Send frames payload and writes it in one piece. It is a no-op unless the
// connection is ready. Payloads the peer would skip are refused.
func (c *Connection) Send(typ protocol.MessageType, payload []byte) error {
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrPayloadTooLarge, len(payload), protocol.MaxPayloadSize)
	}

	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	if state != ConnectionStateReady {
		return nil
	}

	if _, err := conn.Write(protocol.EncodeFrame(typ, payload)); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", typ, err)
	}
	return nil
}

func (c *Connection) emit(ev ConnectionEvent) {
	ev.Conn = c
	select {
	case c.events <- ev:
	case <-c.ownerDone:
	}
}

// LocalAddr returns the local address once the transport exists.
func (c *Connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}
