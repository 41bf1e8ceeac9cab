package mdns

import (
	"context"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"github.com/pion/logging"
)

const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultStaleAfter      = 25 * time.Second
	sweepInterval          = time.Second
)

// Server is a published service record.
type Server struct {
	server *zeroconf.Server
}

// Shutdown withdraws the record from the network.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

// Registrar publishes service records using zeroconf.
type Registrar struct{}

// Register publishes instance under service.domain on port.
func (Registrar) Register(instance, service, domain string, port int, text []string) (*Server, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return &Server{server: server}, nil
}

// Resolver turns the incremental zeroconf browse results into complete
// snapshots of the visible services.
//
// zeroconf reports every instance once per browse session and does not
// report removals, so the session is restarted every RefreshInterval and
// instances not seen for StaleAfter are dropped.
type Resolver struct {
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	LoggerFactory   logging.LoggerFactory
}

func (r *Resolver) normalize() {
	if r.RefreshInterval == 0 {
		r.RefreshInterval = DefaultRefreshInterval
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = DefaultStaleAfter
	}
	if r.LoggerFactory == nil {
		r.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Browse sends a snapshot to out every time the set of visible instances
// changes. It blocks until ctx is done or browsing fails.
func (r *Resolver) Browse(ctx context.Context, service, domain string, out chan<- []ServiceRecord) error {
	r.normalize()
	log := r.LoggerFactory.NewLogger("mdns")

	t := newTracker(r.StaleAfter)

	emit := func() bool {
		select {
		case out <- t.snapshot():
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Changes are batched per sweep so that a burst of sightings yields a
	// single snapshot.
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	dirty := false

	for {
		resolver, err := zeroconf.NewResolver()
		if err != nil {
			return err
		}

		sessionCtx, sessionCancel := context.WithTimeout(ctx, r.RefreshInterval)
		entries := make(chan *zeroconf.ServiceEntry)
		err = resolver.Browse(sessionCtx, service, domain, entries)
		if err != nil {
			sessionCancel()
			return err
		}
		log.Tracef("Browse session started for %s.%s", service, domain)

	sessionLoop:
		for {
			select {
			case <-sessionCtx.Done():
				break sessionLoop

			case e, ok := <-entries:
				if !ok {
					break sessionLoop
				}
				if t.observe(fromEntry(e), time.Now()) {
					log.Debugf("Service %s changed", e.Instance)
					dirty = true
				}

			case now := <-sweep.C:
				if t.expire(now) {
					dirty = true
				}
				if dirty {
					if !emit() {
						break sessionLoop
					}
					dirty = false
				}
			}
		}
		sessionCancel()
		go waitCloseMdns(entries)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// waitCloseMdns ensures mdns is fully shutdown.
func waitCloseMdns(entries chan *zeroconf.ServiceEntry) {
	for range entries {
	}
}

func fromEntry(e *zeroconf.ServiceEntry) ServiceRecord {
	return ServiceRecord{
		Instance: unescapeInstance(e.Instance),
		Service:  e.Service,
		Domain:   e.Domain,
		HostName: e.HostName,
		Port:     e.Port,
		AddrIPv4: e.AddrIPv4,
		AddrIPv6: e.AddrIPv6,
		Text:     e.Text,
	}
}

// unescapeInstance turns the presentation form zeroconf reports, such as
// `My\ Logger` or `caf\195\169`, back into the registered label.
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(dns.Fqdn(s), buf, 0, nil, false)
	if err != nil || n < 2 || int(buf[0])+2 != n {
		return s
	}
	return string(buf[1 : 1+int(buf[0])])
}

type trackedRecord struct {
	record   ServiceRecord
	lastSeen time.Time
}

// tracker keeps the visible instances in the order they were first seen.
type tracker struct {
	staleAfter time.Duration
	records    []trackedRecord
}

func newTracker(staleAfter time.Duration) *tracker {
	return &tracker{staleAfter: staleAfter}
}

// observe records a sighting and reports whether the snapshot changed.
func (t *tracker) observe(r ServiceRecord, now time.Time) bool {
	name := r.InstanceName()
	for i := range t.records {
		if t.records[i].record.InstanceName() != name {
			continue
		}
		changed := !t.records[i].record.Equal(r)
		t.records[i] = trackedRecord{record: r, lastSeen: now}
		return changed
	}
	t.records = append(t.records, trackedRecord{record: r, lastSeen: now})
	return true
}

// expire drops stale instances and reports whether the snapshot changed.
func (t *tracker) expire(now time.Time) bool {
	kept := t.records[:0]
	for _, tr := range t.records {
		if now.Sub(tr.lastSeen) < t.staleAfter {
			kept = append(kept, tr)
		}
	}
	changed := len(kept) != len(t.records)
	t.records = kept
	return changed
}

func (t *tracker) snapshot() []ServiceRecord {
	out := make([]ServiceRecord, 0, len(t.records))
	for _, tr := range t.records {
		out = append(out, tr.record)
	}
	return out
}
