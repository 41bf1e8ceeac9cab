package remotelogger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/go-remotelogger/mdns"
	"github.com/pion/logging"
)

var errBrowseEnded = errors.New("browse ended unexpectedly")

// Browser reports the visible instances of a service type. Snapshots that
// follow the previous delivery within the debounce window are discarded and
// the instance advertised by this process is filtered out.
type Browser struct {
	config *Config

	events    chan<- BrowserEvent
	ownerDone <-chan struct{}

	log logging.LeveledLogger

	mu       sync.Mutex
	selfName string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastDelivery time.Time
	delivered    bool
}

func newBrowser(config *Config, events chan<- BrowserEvent, ownerDone <-chan struct{}) *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		config:    config,
		events:    events,
		ownerDone: ownerDone,
		log:       config.LoggerFactory.NewLogger("browser"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// SetSelfName sets the advertised name of this process. Results with that
// name are dropped from subsequent snapshots.
func (b *Browser) SetSelfName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfName = name
}

func (b *Browser) run() {
	defer close(b.done)

	bo := b.config.newBackOff()
	for {
		healthy, err := b.browse()
		if b.ctx.Err() != nil {
			return
		}
		if healthy {
			bo.Reset()
		}
		b.log.Warnf("Browsing %s failed: %v", b.config.ServiceType, err)
		if !b.emit(BrowserEvent{Type: BrowserEventFailed, Err: err}) {
			return
		}

		wait := bo.NextBackOff()
		b.log.Debugf("Restarting browser in %v", wait)
		select {
		case <-b.config.clock.After(wait):
		case <-b.ctx.Done():
			return
		}
	}
}

// browse runs one resolver session until it fails. healthy reports whether
// the session produced any results before failing.
func (b *Browser) browse() (healthy bool, err error) {
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	out := make(chan []mdns.ServiceRecord)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.config.Resolver.Browse(ctx, b.config.ServiceType, b.config.Domain, out)
	}()

	for {
		select {
		case records := <-out:
			healthy = true
			if !b.deliver(records) {
				cancel()
				return healthy, <-errCh
			}
		case err := <-errCh:
			if err == nil {
				err = errBrowseEnded
			}
			return healthy, err
		}
	}
}

// deliver applies the debounce and self-exclusion policies. It returns
// false once the browser is closed.
func (b *Browser) deliver(records []mdns.ServiceRecord) bool {
	now := b.config.clock.Now()
	if b.delivered && now.Sub(b.lastDelivery) < b.config.Debounce {
		b.log.Debugf("Discarding snapshot of %d results within %v of the last", len(records), b.config.Debounce)
		return true
	}
	b.delivered = true
	b.lastDelivery = now

	b.mu.Lock()
	self := b.selfName
	b.mu.Unlock()

	results := make([]mdns.ServiceRecord, 0, len(records))
	for _, r := range records {
		if self != "" && r.Instance == self {
			continue
		}
		results = append(results, r)
	}
	b.log.Tracef("Delivering %d results", len(results))
	return b.emit(BrowserEvent{Type: BrowserEventChanged, Results: results})
}

func (b *Browser) emit(ev BrowserEvent) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.ctx.Done():
		return false
	case <-b.ownerDone:
		return false
	}
}

// Close stops browsing and waits for the resolver to finish.
func (b *Browser) Close() error {
	b.cancel()
	<-b.done
	return nil
}
