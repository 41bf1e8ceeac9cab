// Package remotelogger streams log lines between peers on a local network.
//
// A peer either advertises itself (a monitor receiving log lines) or browses
// for advertisers (a source sending them). Peers find each other over
// multicast DNS, authenticate with a passcode-derived pre-shared key and
// exchange Log and Control frames over a single secure Connection.
//
// All state of a Manager is owned by one event loop goroutine. Advertiser,
// Browser and Connection report to it through channels, and application
// callbacks are run in order on a separate goroutine.
package remotelogger

import (
	"errors"
	"sync"

	"github.com/backkem/go-remotelogger/mdns"
	"github.com/backkem/go-remotelogger/protocol"
	"github.com/backkem/go-remotelogger/transport"
	"github.com/pion/logging"
)

var ErrManagerClosed = errors.New("manager closed")

// Manager discovers peers, owns the single active Connection and dispatches
// received frames to the registered callbacks.
type Manager struct {
	config Config
	log    logging.LeveledLogger

	requests      chan func()
	advEvents     chan AdvertiserEvent
	browserEvents chan BrowserEvent
	connEvents    chan ConnectionEvent
	callbacks     *callbackQueue

	closeOnce sync.Once
	close     chan struct{}
	done      chan struct{}

	// Owned by the event loop.
	transports     map[string]*transport.Transport
	advertiser     *Advertiser
	advertisedName string
	browser        *Browser
	browsePasscode string
	autoConnect    bool
	candidates     []mdns.ServiceRecord
	selected       *AdvertiserInfo
	active         *Connection
	canceling      map[*Connection]struct{}

	cbMu                sync.Mutex
	onCandidatesChanged func([]AdvertiserInfo)
	onConnected         func(name string)
	onLogReceived       func(text string)
	onControlReceived   func(text string)
	onReady             func()
	onFailed            func()
}

// NewManager creates a Manager. Nothing is published or browsed until
// StartAdvertising or StartBrowsing is called.
func NewManager(config Config) (*Manager, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:        config,
		log:           config.LoggerFactory.NewLogger("remotelogger"),
		requests:      make(chan func()),
		advEvents:     make(chan AdvertiserEvent),
		browserEvents: make(chan BrowserEvent),
		connEvents:    make(chan ConnectionEvent),
		callbacks:     newCallbackQueue(),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		transports:    make(map[string]*transport.Transport),
		canceling:     make(map[*Connection]struct{}),
	}

	go m.run()

	return m, nil
}

// OnCandidatesChanged is called with the visible advertisers each time they
// change, when browsing without auto-connect.
func (m *Manager) OnCandidatesChanged(f func([]AdvertiserInfo)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onCandidatesChanged = f
}

// OnConnected is called with the advertiser name when auto-connect selects
// and dials an advertiser.
func (m *Manager) OnConnected(f func(name string)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onConnected = f
}

func (m *Manager) OnLogReceived(f func(text string)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onLogReceived = f
}

func (m *Manager) OnControlReceived(f func(text string)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onControlReceived = f
}

// OnReady is called when the active Connection completed its handshake.
func (m *Manager) OnReady(f func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onReady = f
}

// OnFailed is called when the active Connection failed or was canceled and
// no other Connection took its place.
func (m *Manager) OnFailed(f func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onFailed = f
}

// StartAdvertising publishes name and accepts Connections authenticated with
// passcode. If already advertising only the name is changed. Failing to bind
// the listener is returned; later listener failures are retried.
func (m *Manager) StartAdvertising(name, passcode string) error {
	var err error
	if doErr := m.do(func() {
		err = m.startAdvertising(name, passcode)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (m *Manager) startAdvertising(name, passcode string) error {
	m.advertisedName = name
	if m.browser != nil {
		m.browser.SetSelfName(name)
	}

	if m.advertiser != nil {
		return m.advertiser.SetName(name)
	}

	t, err := m.transportFor(passcode)
	if err != nil {
		return err
	}
	a, err := newAdvertiser(&m.config, t, name, m.advEvents, m.connEvents, m.close)
	if err != nil {
		return err
	}
	m.advertiser = a
	return nil
}

// StartBrowsing looks for advertisers. With autoConnect the first advertiser
// found is dialed with passcode whenever nothing is selected; otherwise the
// candidates are reported through OnCandidatesChanged.
func (m *Manager) StartBrowsing(autoConnect bool, passcode string) error {
	return m.do(func() {
		m.autoConnect = autoConnect
		m.browsePasscode = passcode
		if m.browser != nil {
			return
		}
		m.browser = newBrowser(&m.config, m.browserEvents, m.close)
		m.browser.SetSelfName(m.advertisedName)
	})
}

// SelectCandidate selects candidate and dials it with the browsing
// passcode. It is a no-op if candidate is not in the current results.
func (m *Manager) SelectCandidate(candidate AdvertiserInfo) error {
	return m.do(func() {
		m.connect(candidate, m.browsePasscode)
	})
}

// Connect selects candidate and dials it with passcode. It is a no-op if
// candidate is not in the current results.
func (m *Manager) Connect(candidate AdvertiserInfo, passcode string) error {
	return m.do(func() {
		m.connect(candidate, passcode)
	})
}

// CancelConnection tears down the active Connection, if any.
func (m *Manager) CancelConnection() error {
	return m.do(func() {
		m.cancelActive()
	})
}

// IsConnected reports whether a Connection is ready to send.
func (m *Manager) IsConnected() bool {
	return m.readyConnection() != nil
}

// Candidates returns the advertisers of the latest browse results.
func (m *Manager) Candidates() []AdvertiserInfo {
	var out []AdvertiserInfo
	_ = m.do(func() {
		out = candidateInfos(m.candidates)
	})
	return out
}

// AdvertiserName returns the name of the selected advertiser if it is still
// visible.
func (m *Manager) AdvertiserName() string {
	var name string
	_ = m.do(func() {
		if m.selected == nil {
			return
		}
		if _, ok := m.lookup(m.selected.EndpointKey); ok {
			name = m.selected.Name
		}
	})
	return name
}

// SendLog sends text as a Log frame. It does nothing unless a Connection is
// ready.
func (m *Manager) SendLog(text string) error {
	return m.send(protocol.MessageTypeLog, text)
}

// SendControl sends text as a Control frame. It does nothing unless a
// Connection is ready.
func (m *Manager) SendControl(text string) error {
	return m.send(protocol.MessageTypeControl, text)
}

func (m *Manager) send(typ protocol.MessageType, text string) error {
	c := m.readyConnection()
	if c == nil {
		return nil
	}
	payload, err := protocol.EncodeText(text)
	if err != nil {
		return err
	}
	return c.Send(typ, payload)
}

func (m *Manager) readyConnection() *Connection {
	var c *Connection
	_ = m.do(func() {
		if m.active != nil && m.active.State() == ConnectionStateReady {
			c = m.active
		}
	})
	return c
}

// Close stops advertising and browsing and cancels the active Connection.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.close)
	})
	<-m.done
	return nil
}

// do runs f on the event loop and waits for it to return.
func (m *Manager) do(f func()) error {
	done := make(chan struct{})
	select {
	case m.requests <- func() {
		defer close(done)
		f()
	}:
	case <-m.close:
		return ErrManagerClosed
	}
	<-done
	return nil
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case <-m.close:
			m.shutdown()
			return
		case f := <-m.requests:
			f()
		case ev := <-m.advEvents:
			m.handleAdvertiserEvent(ev)
		case ev := <-m.browserEvents:
			m.handleBrowserEvent(ev)
		case ev := <-m.connEvents:
			m.handleConnectionEvent(ev)
		}
	}
}

func (m *Manager) shutdown() {
	if m.advertiser != nil {
		if err := m.advertiser.Close(); err != nil {
			m.log.Warnf("Failed to close advertiser: %v", err)
		}
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.Warnf("Failed to close browser: %v", err)
		}
	}
	if m.active != nil {
		m.active.Cancel()
		m.active = nil
	}
	for c := range m.canceling {
		c.Cancel()
	}
	m.callbacks.close()
}

// transportFor returns the transport for passcode, creating it on first use.
func (m *Manager) transportFor(passcode string) (*transport.Transport, error) {
	if t, ok := m.transports[passcode]; ok {
		return t, nil
	}
	t, err := transport.New(m.config.transportConfig(passcode))
	if err != nil {
		return nil, err
	}
	m.transports[passcode] = t
	return t, nil
}

func (m *Manager) lookup(endpointKey string) (mdns.ServiceRecord, bool) {
	for _, r := range m.candidates {
		if r.InstanceName() == endpointKey {
			return r, true
		}
	}
	return mdns.ServiceRecord{}, false
}

// connect dials the live endpoint of candidate. Endpoint keys are only
// resolved against the current browse results.
func (m *Manager) connect(candidate AdvertiserInfo, passcode string) {
	record, ok := m.lookup(candidate.EndpointKey)
	if !ok {
		m.log.Debugf("Ignoring connect to %q: no longer visible", candidate.Name)
		return
	}

	t, err := m.transportFor(passcode)
	if err != nil {
		m.log.Errorf("Failed to connect to %q: %v", candidate.Name, err)
		return
	}

	info := advertiserInfo(record)
	m.selected = &info
	m.cancelActive()

	network := record.Network()
	if network == "" {
		network = m.config.Network
	}
	c := newOutboundConnection(t, network, record.Addr(), m.connEvents, m.close, m.config.LoggerFactory)
	m.active = c
	m.log.Infof("Connecting to %q at %s (%s)", info.Name, record.Addr(), network)
	c.Start()
}

// cancelActive releases the active slot. The Connection reports its
// completion later.
func (m *Manager) cancelActive() {
	if m.active == nil {
		return
	}
	c := m.active
	m.active = nil
	if c.isDone() {
		return
	}
	m.canceling[c] = struct{}{}
	c.Cancel()
	if c.isDone() {
		// Never started, no event follows.
		delete(m.canceling, c)
	}
}

func (m *Manager) handleAdvertiserEvent(ev AdvertiserEvent) {
	switch ev.Type {
	case AdvertiserEventListening:
		m.log.Debugf("Advertiser listening on port %d", ev.Port)

	case AdvertiserEventFailed:
		m.log.Warnf("Advertiser failed: %v", ev.Err)

	case AdvertiserEventConnected:
		c := ev.Conn
		if m.active != nil && m.active.State() == ConnectionStateReady {
			m.log.Debugf("Rejecting inbound connection %s: %s is ready", c.ID(), m.active.ID())
			c.Cancel()
			return
		}
		// The inbound connection wins over an outbound dial in progress.
		m.cancelActive()
		m.active = c
		c.Start()
	}
}

func (m *Manager) handleBrowserEvent(ev BrowserEvent) {
	switch ev.Type {
	case BrowserEventFailed:
		m.log.Warnf("Browser failed: %v", ev.Err)
		return

	case BrowserEventChanged:
	default:
		return
	}

	m.candidates = ev.Results
	infos := candidateInfos(m.candidates)

	if m.selected != nil {
		if _, ok := m.lookup(m.selected.EndpointKey); !ok {
			m.log.Infof("Selected advertiser %q disappeared", m.selected.Name)
			m.selected = nil
			m.cancelActive()
		}
	}

	if !m.autoConnect {
		m.callback(func() {
			if f := m.candidatesChangedHandler(); f != nil {
				f(infos)
			}
		})
		return
	}

	if len(infos) == 0 || m.selected != nil || m.active != nil {
		return
	}
	first := infos[0]
	m.connect(first, m.browsePasscode)
	m.callback(func() {
		m.cbMu.Lock()
		f := m.onConnected
		m.cbMu.Unlock()
		if f != nil {
			f(first.Name)
		}
	})
}

func (m *Manager) handleConnectionEvent(ev ConnectionEvent) {
	c := ev.Conn
	if c != m.active {
		if ev.Type != ConnectionEventFailed && ev.Type != ConnectionEventCanceled {
			return
		}
		if _, ok := m.canceling[c]; !ok {
			return
		}
		delete(m.canceling, c)
		if m.active == nil {
			m.callback(m.failedHandler)
		}
		return
	}

	switch ev.Type {
	case ConnectionEventPreparing:
		m.log.Debugf("Connection %s preparing", c.ID())

	case ConnectionEventReady:
		m.callback(func() {
			m.cbMu.Lock()
			f := m.onReady
			m.cbMu.Unlock()
			if f != nil {
				f()
			}
		})

	case ConnectionEventFailed, ConnectionEventCanceled:
		m.active = nil
		if c.Initiated() && m.autoConnect {
			m.selected = nil
		}
		m.callback(m.failedHandler)

	case ConnectionEventMessage:
		m.dispatch(ev.Frame)
	}
}

// dispatch hands a received frame to the matching callback.
func (m *Manager) dispatch(f protocol.Frame) {
	if f.Type == protocol.MessageTypeInvalid {
		m.log.Debugf("Dropping frame of unknown type %d (%d bytes)", f.RawType, len(f.Payload))
		return
	}

	text, err := protocol.DecodeText(f.Payload)
	if err != nil {
		m.log.Warnf("Dropping %s frame: %v", f.Type, err)
		return
	}

	m.callback(func() {
		m.cbMu.Lock()
		var handler func(string)
		switch f.Type {
		case protocol.MessageTypeLog:
			handler = m.onLogReceived
		case protocol.MessageTypeControl:
			handler = m.onControlReceived
		}
		m.cbMu.Unlock()
		if handler != nil {
			handler(text)
		}
	})
}

func (m *Manager) callback(f func()) {
	m.callbacks.push(f)
}

func (m *Manager) candidatesChangedHandler() func([]AdvertiserInfo) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return m.onCandidatesChanged
}

func (m *Manager) failedHandler() {
	m.cbMu.Lock()
	f := m.onFailed
	m.cbMu.Unlock()
	if f != nil {
		f()
	}
}

func candidateInfos(records []mdns.ServiceRecord) []AdvertiserInfo {
	out := make([]AdvertiserInfo, 0, len(records))
	for _, r := range records {
		out = append(out, advertiserInfo(r))
	}
	return out
}
