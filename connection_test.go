package remotelogger

import (
	"context"
	"testing"
	"time"

	"github.com/backkem/go-remotelogger/protocol"
	"github.com/backkem/go-remotelogger/transport"
	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, passcode string) *transport.Transport {
	t.Helper()
	tr, err := transport.New(transport.Config{
		SharedCode: DefaultSharedCode,
		Passcode:   passcode,
	})
	require.NoError(t, err)
	return tr
}

func TestConnectionSendWhileConnectingIsNoop(t *testing.T) {
	peer := newSilentPeer(t)
	tr := newTestTransport(t, "1234")

	events := make(chan ConnectionEvent, 10)
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	c := newOutboundConnection(tr, transport.NetworkTCP, peer.listener.Addr().String(), events, ownerDone, logging.NewDefaultLoggerFactory())

	// Not even dialed yet.
	require.NoError(t, c.Send(protocol.MessageTypeLog, []byte("hello")))
	require.Nil(t, c.LocalAddr())

	// The peer would skip it, so it is refused whatever the state.
	err := c.Send(protocol.MessageTypeLog, make([]byte, protocol.MaxPayloadSize+1))
	require.ErrorIs(t, err, protocol.ErrPayloadTooLarge)

	c.Start()
	require.Equal(t, ConnectionEventPreparing, receive(t, events).Type)
	peer.waitAccepted(t)

	require.Equal(t, ConnectionStateConnecting, c.State())
	require.NoError(t, c.Send(protocol.MessageTypeLog, []byte("hello")))

	c.Cancel()
	ev := receive(t, events)
	require.Equal(t, ConnectionEventCanceled, ev.Type)
	require.ErrorIs(t, ev.Err, ErrConnectionCanceled)
	require.Equal(t, ConnectionStateCanceled, c.State())
	<-c.Done()

	// Canceling again is a no-op.
	c.Cancel()
	require.Empty(t, events)
}

func TestConnectionDialFailure(t *testing.T) {
	tr := newTestTransport(t, "1234")

	events := make(chan ConnectionEvent, 10)
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	c := newOutboundConnection(tr, transport.NetworkTCP, "127.0.0.1:9", events, ownerDone, logging.NewDefaultLoggerFactory())
	c.Start()

	require.Equal(t, ConnectionEventPreparing, receive(t, events).Type)
	ev := receive(t, events)
	require.Equal(t, ConnectionEventFailed, ev.Type)
	require.Error(t, ev.Err)
	require.Same(t, c, ev.Conn)
	<-c.Done()

	// Canceling a failed connection is a no-op.
	c.Cancel()
	require.Equal(t, ConnectionStateFailed, c.State())
	require.Empty(t, events)
}

func TestConnectionCancelBeforeStart(t *testing.T) {
	tr := newTestTransport(t, "1234")
	events := make(chan ConnectionEvent, 10)
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	c := newOutboundConnection(tr, transport.NetworkTCP, "127.0.0.1:9", events, ownerDone, logging.NewDefaultLoggerFactory())
	c.Cancel()
	<-c.Done()
	c.Start()

	require.Equal(t, ConnectionStateCanceled, c.State())
	require.Empty(t, events)
}

func TestConnectionExchangesFramesInOrder(t *testing.T) {
	tr := newTestTransport(t, "1234")
	l, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	lf := logging.NewDefaultLoggerFactory()
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	serverEvents := make(chan ConnectionEvent, 100)
	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		c := newInboundConnection(conn, serverEvents, ownerDone, lf)
		c.Start()
		accepted <- c
	}()

	clientEvents := make(chan ConnectionEvent, 100)
	client := newOutboundConnection(tr, "", l.Addr().String(), clientEvents, ownerDone, lf)
	client.Start()
	defer client.Cancel()

	require.Equal(t, ConnectionEventPreparing, receive(t, clientEvents).Type)
	require.Equal(t, ConnectionEventReady, receive(t, clientEvents).Type)
	require.True(t, client.Initiated())
	require.NotNil(t, client.LocalAddr())

	server := receive(t, accepted)
	defer server.Cancel()
	require.False(t, server.Initiated())
	require.Equal(t, ConnectionEventPreparing, receive(t, serverEvents).Type)
	require.Equal(t, ConnectionEventReady, receive(t, serverEvents).Type)

	payloads := []string{"one", "", "three"}
	for i, p := range payloads {
		typ := protocol.MessageTypeLog
		if i%2 == 1 {
			typ = protocol.MessageTypeControl
		}
		require.NoError(t, client.Send(typ, []byte(p)))
	}

	for i, p := range payloads {
		ev := receive(t, serverEvents)
		require.Equal(t, ConnectionEventMessage, ev.Type)
		require.Equal(t, p, string(ev.Frame.Payload))
		if i%2 == 1 {
			require.Equal(t, protocol.MessageTypeControl, ev.Frame.Type)
		} else {
			require.Equal(t, protocol.MessageTypeLog, ev.Frame.Type)
		}
	}

	// A frame over the limit written by a misbehaving peer is skipped and
	// the stream stays in sync.
	oversized := protocol.EncodeHeader(uint32(protocol.MessageTypeLog), protocol.MaxPayloadSize+1)
	oversized = append(oversized, make([]byte, protocol.MaxPayloadSize+1)...)
	_, err = client.conn.Write(oversized)
	require.NoError(t, err)
	require.ErrorIs(t, client.Send(protocol.MessageTypeLog, make([]byte, protocol.MaxPayloadSize+1)), protocol.ErrPayloadTooLarge)
	require.NoError(t, client.Send(protocol.MessageTypeLog, []byte("after")))

	ev := receive(t, serverEvents)
	require.Equal(t, ConnectionEventMessage, ev.Type)
	require.Equal(t, "after", string(ev.Frame.Payload))

	// The peer going away fails the other side.
	client.Cancel()
	require.Equal(t, ConnectionEventCanceled, receive(t, clientEvents).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server connection did not notice the peer leaving")
	}
	require.Equal(t, ConnectionStateFailed, server.State())
}
