package remotelogger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

func TestLogWriterForwardsLines(t *testing.T) {
	net := newFakeNetwork()
	monitor := newTestManager(t, net, net)
	logs := make(chan string, 10)
	monitor.OnLogReceived(func(text string) {
		logs <- text
	})
	require.NoError(t, monitor.StartAdvertising("Monitor", "1234"))

	source := newTestManager(t, net, net)
	ready := make(chan struct{}, 1)
	source.OnReady(func() {
		signal(ready, struct{}{})
	})

	w := &LogWriter{Manager: source}

	// Nothing is connected yet, the line is dropped.
	_, err := w.Write([]byte("dropped\n"))
	require.NoError(t, err)

	require.NoError(t, source.StartBrowsing(true, "1234"))
	receive(t, ready)

	n, err := w.Write([]byte("first\r\nsec"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	_, err = w.Write([]byte("ond\nthi"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Flush())

	require.Equal(t, "first", receive(t, logs))
	require.Equal(t, "second", receive(t, logs))
	require.Equal(t, "thi", receive(t, logs))

	select {
	case l := <-logs:
		t.Fatalf("unexpected line %q", l)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoggerFactoryWritesLocally(t *testing.T) {
	m := newTestManager(t, newScriptedResolver(), nopRegistrar{})

	var local bytes.Buffer
	f := &LoggerFactory{Manager: m, Level: logging.LogLevelDebug, Writer: &local}
	log := f.NewLogger("app")

	log.Debugf("value %d", 42)
	log.Trace("hidden")

	out := local.String()
	require.True(t, strings.Contains(out, "app"))
	require.True(t, strings.Contains(out, "value 42"))
	require.False(t, strings.Contains(out, "hidden"))
}
