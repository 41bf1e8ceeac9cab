package transport

import (
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/sctp"
)

// Stream identifiers used for each direction. Each side writes on the stream
// it opened and reads from the one the peer opened, so neither side waits
// for the other to speak first.
const (
	clientStreamID uint16 = 1
	serverStreamID uint16 = 2
)

// sctpStream is a reliable, ordered byte stream over an SCTP association
// running on top of DTLS.
type sctpStream struct {
	association *sctp.Association
	out         *sctp.Stream

	ready  chan struct{} // Closed once the inbound stream is accepted
	reader *recordStream
	in     *sctp.Stream

	mu        sync.Mutex
	acceptErr error

	closeOnce sync.Once
	done      chan struct{}
}

func newSCTPStream(conn net.Conn, isClient bool, lf logging.LoggerFactory) (*sctpStream, error) {
	config := sctp.Config{
		NetConn:            conn,
		EnableZeroChecksum: false,
		LoggerFactory:      lf,
	}

	var association *sctp.Association
	var err error
	streamID := serverStreamID
	if isClient {
		association, err = sctp.Client(config)
		streamID = clientStreamID
	} else {
		association, err = sctp.Server(config)
	}
	if err != nil {
		return nil, err
	}

	out, err := association.OpenStream(streamID, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		_ = association.Close()
		return nil, err
	}

	s := &sctpStream{
		association: association,
		out:         out,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	go s.acceptInbound()

	return s, nil
}

func (s *sctpStream) acceptInbound() {
	in, err := s.association.AcceptStream()

	s.mu.Lock()
	if err != nil {
		s.acceptErr = err
	} else {
		s.in = in
		s.reader = &recordStream{rw: in, rdBuf: make([]byte, MTU)}
	}
	s.mu.Unlock()

	close(s.ready)
}

func (s *sctpStream) Read(p []byte) (int, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return 0, ErrTransportClosed
	}

	s.mu.Lock()
	reader, err := s.reader, s.acceptErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return reader.Read(p)
}

func (s *sctpStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *sctpStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	in := s.in
	s.mu.Unlock()
	if in != nil {
		_ = in.Close()
	}
	_ = s.out.Close()
	return s.association.Close()
}
