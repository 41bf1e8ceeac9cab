package remotelogger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/go-remotelogger/mdns"
	"github.com/backkem/go-remotelogger/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

var ErrAdvertiserClosed = errors.New("advertiser closed")

// Advertiser publishes a service instance and accepts at most one inbound
// Connection at a time. When its listener fails it rebinds and republishes
// with backoff until closed.
type Advertiser struct {
	config    *Config
	transport *transport.Transport

	events     chan<- AdvertiserEvent
	connEvents chan<- ConnectionEvent
	ownerDone  <-chan struct{}

	log logging.LeveledLogger

	mu           sync.Mutex
	name         string
	listener     *transport.Listener
	registration Registration
	active       *Connection

	close chan struct{}
	done  chan struct{}
}

// newAdvertiser binds the listener and publishes name. Failing to bind the
// first listener is fatal and returned.
func newAdvertiser(config *Config, t *transport.Transport, name string, events chan<- AdvertiserEvent, connEvents chan<- ConnectionEvent, ownerDone <-chan struct{}) (*Advertiser, error) {
	a := &Advertiser{
		config:     config,
		transport:  t,
		events:     events,
		connEvents: connEvents,
		ownerDone:  ownerDone,
		log:        config.LoggerFactory.NewLogger("advertiser"),
		name:       name,
		close:      make(chan struct{}),
		done:       make(chan struct{}),
	}

	l, err := t.Listen(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.ListenAddr, err)
	}
	if err := a.publish(l); err != nil {
		_ = l.Close()
		return nil, err
	}

	go a.run(l)

	return a, nil
}

// Name returns the currently advertised name.
func (a *Advertiser) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// SetName renames the advertised instance. The listener and any active
// Connection are left untouched.
func (a *Advertiser) SetName(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.name == name {
		return nil
	}
	a.name = name

	if a.listener == nil {
		// Between restarts; the next publish picks the name up.
		return nil
	}
	if a.registration != nil {
		a.registration.Shutdown()
		a.registration = nil
	}
	reg, err := a.register(a.listener)
	if err != nil {
		return err
	}
	a.registration = reg
	a.log.Infof("Renamed advertisement to %q", name)
	return nil
}

// publish registers the service record for l and makes l current.
func (a *Advertiser) publish(l *transport.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reg, err := a.register(l)
	if err != nil {
		return err
	}
	a.listener = l
	a.registration = reg
	return nil
}

func (a *Advertiser) register(l *transport.Listener) (Registration, error) {
	txt := mdns.TXTRecordSet{}
	txt.Set(mdns.TXTKeyNetwork, l.Network())
	txt.Set(mdns.TXTKeyVersion, protocolVersion)

	reg, err := a.config.Registrar.Register(a.name, a.config.ServiceType, a.config.Domain, l.Port(), txt.ToSlice())
	if err != nil {
		return nil, fmt.Errorf("failed to register %q: %w", a.name, err)
	}
	return reg, nil
}

// unpublish withdraws the record and closes the listener.
func (a *Advertiser) unpublish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.registration != nil {
		a.registration.Shutdown()
		a.registration = nil
	}
	if a.listener != nil {
		_ = a.listener.Close()
		a.listener = nil
	}
}

func (a *Advertiser) run(l *transport.Listener) {
	defer close(a.done)
	defer a.unpublish()

	b := a.config.newBackOff()
	for {
		a.log.Infof("Advertising %q on port %d (%s)", a.Name(), l.Port(), l.Network())
		if !a.emit(AdvertiserEvent{Type: AdvertiserEventListening, Port: l.Port()}) {
			return
		}

		err := a.serve(l)
		if a.closed() {
			return
		}
		a.log.Warnf("Listener failed: %v", err)
		if !a.emit(AdvertiserEvent{Type: AdvertiserEventFailed, Err: err}) {
			return
		}
		a.unpublish()

		l = a.restart(b)
		if l == nil {
			return
		}
	}
}

// restart rebinds and republishes, backing off between attempts. It
// returns nil once the advertiser is closed.
func (a *Advertiser) restart(b backoff.BackOff) *transport.Listener {
	for {
		wait := b.NextBackOff()
		a.log.Debugf("Restarting listener in %v", wait)
		select {
		case <-a.config.clock.After(wait):
		case <-a.close:
			return nil
		}

		l, err := a.transport.Listen(a.config.ListenAddr)
		if err == nil {
			err = a.publish(l)
			if err != nil {
				_ = l.Close()
			}
		}
		if err == nil {
			b.Reset()
			return l
		}
		a.log.Warnf("Failed to restart listener: %v", err)
		if !a.emit(AdvertiserEvent{Type: AdvertiserEventFailed, Err: err}) {
			return nil
		}
	}
}

// serve accepts until the listener fails.
func (a *Advertiser) serve(l *transport.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		a.mu.Lock()
		if a.active != nil && !a.active.isDone() {
			a.mu.Unlock()
			a.log.Debugf("Rejecting connection from %s: already connected", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		c := newInboundConnection(conn, a.connEvents, a.ownerDone, a.config.LoggerFactory)
		a.active = c
		a.mu.Unlock()

		a.log.Infof("Accepted connection %s from %s", c.ID(), c.RemoteAddr())
		if !a.emit(AdvertiserEvent{Type: AdvertiserEventConnected, Conn: c}) {
			c.Cancel()
			return ErrAdvertiserClosed
		}
	}
}

func (a *Advertiser) emit(ev AdvertiserEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.close:
		return false
	case <-a.ownerDone:
		return false
	}
}

func (a *Advertiser) closed() bool {
	select {
	case <-a.close:
		return true
	default:
		return false
	}
}

// Close withdraws the advertisement and stops accepting. An accepted
// Connection is owned by the receiver of the connected event and is not
// closed here.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	select {
	case <-a.close:
		a.mu.Unlock()
		<-a.done
		return nil
	default:
	}
	close(a.close)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.mu.Unlock()

	<-a.done
	return nil
}
