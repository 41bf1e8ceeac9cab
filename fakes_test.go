package remotelogger

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/go-remotelogger/mdns"
	"github.com/stretchr/testify/require"
)

// fakeNetwork is an in-memory discovery domain shared by several managers.
type fakeNetwork struct {
	mu      sync.Mutex
	records []mdns.ServiceRecord
	changed chan struct{}
	history []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{changed: make(chan struct{})}
}

func (n *fakeNetwork) broadcast() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *fakeNetwork) Register(instance, service, domain string, port int, text []string) (Registration, error) {
	r := mdns.ServiceRecord{
		Instance: instance,
		Service:  service,
		Domain:   domain,
		HostName: "localhost.",
		Port:     port,
		AddrIPv4: []net.IP{net.IPv4(127, 0, 0, 1)},
		Text:     text,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, r)
	n.history = append(n.history, "+"+instance)
	n.broadcast()
	return &fakeRegistration{network: n, name: r.InstanceName()}, nil
}

func (n *fakeNetwork) unregister(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.records {
		if r.InstanceName() == name {
			n.records = append(n.records[:i], n.records[i+1:]...)
			n.history = append(n.history, "-"+r.Instance)
			n.broadcast()
			return
		}
	}
}

func (n *fakeNetwork) Browse(ctx context.Context, service, domain string, out chan<- []mdns.ServiceRecord) error {
	for {
		n.mu.Lock()
		snapshot := []mdns.ServiceRecord{}
		for _, r := range n.records {
			if r.Service == service && r.Domain == domain {
				snapshot = append(snapshot, r)
			}
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case out <- snapshot:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *fakeNetwork) History() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.history...)
}

type fakeRegistration struct {
	network *fakeNetwork
	name    string
	once    sync.Once
}

func (r *fakeRegistration) Shutdown() {
	r.once.Do(func() {
		r.network.unregister(r.name)
	})
}

// scriptedResolver hands out the snapshots pushed by the test. Each Browse
// call first consumes one entry of failures, if any are left.
type scriptedResolver struct {
	snapshots chan []mdns.ServiceRecord

	mu       sync.Mutex
	failures []error
	calls    int
}

func newScriptedResolver(failures ...error) *scriptedResolver {
	return &scriptedResolver{
		snapshots: make(chan []mdns.ServiceRecord),
		failures:  failures,
	}
}

func (r *scriptedResolver) Browse(ctx context.Context, service, domain string, out chan<- []mdns.ServiceRecord) error {
	r.mu.Lock()
	r.calls++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	for {
		select {
		case s := <-r.snapshots:
			select {
			case out <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *scriptedResolver) push(t *testing.T, records ...mdns.ServiceRecord) {
	t.Helper()
	select {
	case r.snapshots <- records:
	case <-time.After(5 * time.Second):
		t.Fatal("resolver was not browsing")
	}
}

func (r *scriptedResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// nopRegistrar accepts every registration.
type nopRegistrar struct{}

func (nopRegistrar) Register(string, string, string, int, []string) (Registration, error) {
	return nopRegistration{}, nil
}

type nopRegistration struct{}

func (nopRegistration) Shutdown() {}

// silentPeer accepts TCP connections and never answers, keeping dialers in
// the handshake.
type silentPeer struct {
	listener net.Listener
	accepted chan net.Conn
}

func newSilentPeer(t *testing.T) *silentPeer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &silentPeer{listener: l, accepted: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			p.accepted <- c
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
	})
	return p
}

func (p *silentPeer) record(instance string) mdns.ServiceRecord {
	return mdns.ServiceRecord{
		Instance: instance,
		Service:  DefaultServiceType,
		Domain:   DefaultDomain,
		Port:     p.listener.Addr().(*net.TCPAddr).Port,
		AddrIPv4: []net.IP{net.IPv4(127, 0, 0, 1)},
		Text:     []string{"net=tcp"},
	}
}

// waitAccepted returns the next raw connection or fails the test.
func (p *silentPeer) waitAccepted(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.accepted:
		t.Cleanup(func() {
			_ = c.Close()
		})
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func unreachableRecord(instance string) mdns.ServiceRecord {
	return mdns.ServiceRecord{
		Instance: instance,
		Service:  DefaultServiceType,
		Domain:   DefaultDomain,
		Port:     9,
		AddrIPv4: []net.IP{net.IPv4(127, 0, 0, 1)},
	}
}

func signal[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}
