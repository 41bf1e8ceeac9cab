package remotelogger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/backkem/go-remotelogger/internal/clock"
	"github.com/backkem/go-remotelogger/mdns"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, clk clock.Clock, resolver Resolver) *Config {
	t.Helper()
	c := &Config{
		Registrar:  nopRegistrar{},
		Resolver:   resolver,
		ListenAddr: "127.0.0.1:0",
		clock:      clk,
	}
	require.NoError(t, c.normalize())
	return c
}

// newIdleBrowser returns a Browser without its run loop so deliver can be
// driven directly.
func newIdleBrowser(config *Config, events chan BrowserEvent) *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		config:    config,
		events:    events,
		ownerDone: make(chan struct{}),
		log:       config.LoggerFactory.NewLogger("browser"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func TestBrowserDebounce(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	events := make(chan BrowserEvent, 10)
	b := newIdleBrowser(newTestConfig(t, clk, newScriptedResolver()), events)

	a := unreachableRecord("A")
	c := unreachableRecord("C")

	require.True(t, b.deliver([]mdns.ServiceRecord{a}))
	ev := <-events
	require.Equal(t, BrowserEventChanged, ev.Type)
	require.Equal(t, "A", ev.Results[0].Instance)

	// Less than 0.5s later: dropped entirely.
	clk.Advance(499 * time.Millisecond)
	require.True(t, b.deliver([]mdns.ServiceRecord{}))
	require.Empty(t, events)

	// The window is measured from the last delivery, not the last snapshot.
	clk.Advance(time.Millisecond)
	require.True(t, b.deliver([]mdns.ServiceRecord{a, c}))
	ev = <-events
	require.Len(t, ev.Results, 2)
}

func TestBrowserExcludesSelf(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	events := make(chan BrowserEvent, 10)
	b := newIdleBrowser(newTestConfig(t, clk, newScriptedResolver()), events)
	b.SetSelfName("Me")

	require.True(t, b.deliver([]mdns.ServiceRecord{unreachableRecord("Me"), unreachableRecord("Other")}))
	ev := <-events
	require.Len(t, ev.Results, 1)
	require.Equal(t, "Other", ev.Results[0].Instance)
}

func TestBrowserRestartsAfterFailure(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	resolver := newScriptedResolver(errors.New("socket gone"))
	events := make(chan BrowserEvent)
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	b := newBrowser(newTestConfig(t, clk, resolver), events, ownerDone)
	defer func() {
		require.NoError(t, b.Close())
	}()

	ev := receive(t, events)
	require.Equal(t, BrowserEventFailed, ev.Type)
	require.EqualError(t, ev.Err, "socket gone")

	// Restart waits for the backoff.
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, resolver.Calls())
	clk.Advance(time.Minute)

	resolver.push(t, unreachableRecord("A"))
	ev = receive(t, events)
	require.Equal(t, BrowserEventChanged, ev.Type)
	require.Equal(t, 2, resolver.Calls())
}

func TestBrowserCloseStopsResolver(t *testing.T) {
	resolver := newScriptedResolver()
	events := make(chan BrowserEvent)
	ownerDone := make(chan struct{})
	defer close(ownerDone)

	b := newBrowser(newTestConfig(t, clock.Real(), resolver), events, ownerDone)
	require.Eventually(t, func() bool { return resolver.Calls() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after close: %v", ev.Type)
	default:
	}
}
