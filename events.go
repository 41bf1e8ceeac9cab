package remotelogger

import (
	"github.com/backkem/go-remotelogger/mdns"
	"github.com/backkem/go-remotelogger/protocol"
)

type ConnectionEventType int

const (
	// ConnectionEventPreparing is reported while dialing and handshaking.
	ConnectionEventPreparing ConnectionEventType = iota
	ConnectionEventReady
	ConnectionEventFailed
	ConnectionEventCanceled
	ConnectionEventMessage
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionEventPreparing:
		return "preparing"
	case ConnectionEventReady:
		return "ready"
	case ConnectionEventFailed:
		return "failed"
	case ConnectionEventCanceled:
		return "canceled"
	case ConnectionEventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a lifecycle change or an inbound frame of Conn.
type ConnectionEvent struct {
	Type  ConnectionEventType
	Conn  *Connection
	Frame protocol.Frame
	Err   error
}

type AdvertiserEventType int

const (
	// AdvertiserEventListening is reported each time the listener is
	// (re)bound and published.
	AdvertiserEventListening AdvertiserEventType = iota
	AdvertiserEventConnected
	// AdvertiserEventFailed is reported when the listener fails. The
	// advertiser restarts itself afterwards.
	AdvertiserEventFailed
)

type AdvertiserEvent struct {
	Type AdvertiserEventType
	Conn *Connection
	Port int
	Err  error
}

type BrowserEventType int

const (
	BrowserEventChanged BrowserEventType = iota
	// BrowserEventFailed is reported when browsing fails. The browser
	// restarts itself afterwards.
	BrowserEventFailed
)

type BrowserEvent struct {
	Type    BrowserEventType
	Results []mdns.ServiceRecord
	Err     error
}
