package remotelogger

import (
	"testing"

	"github.com/backkem/go-remotelogger/transport"
	"github.com/stretchr/testify/require"
)

func TestConfigNormalize(t *testing.T) {
	c := Config{Domain: "local"}
	require.NoError(t, c.normalize())

	require.Equal(t, DefaultServiceType, c.ServiceType)
	require.Equal(t, "local.", c.Domain)
	require.Equal(t, DefaultSharedCode, c.SharedCode)
	require.Equal(t, transport.NetworkTCP, c.Network)
	require.Equal(t, transport.DefaultKeepAlive, c.KeepAlive)
	require.Equal(t, transport.DefaultHandshakeTimeout, c.HandshakeTimeout)
	require.Equal(t, DefaultDebounce, c.Debounce)
	require.NotNil(t, c.LoggerFactory)
	require.NotNil(t, c.Registrar)
	require.NotNil(t, c.Resolver)

	tc := c.transportConfig("1234")
	require.Equal(t, "1234", tc.Passcode)
	require.Equal(t, DefaultSharedCode, tc.SharedCode)
	require.Equal(t, transport.DefaultHandshakeTimeout, tc.HandshakeTimeout)
}

func TestValidateServiceType(t *testing.T) {
	for _, s := range []string{"_remotelogger._tcp", "_x._udp", "_remotelogger._tcp."} {
		require.NoError(t, validateServiceType(s), s)
	}
	for _, s := range []string{"remotelogger._tcp", "_remotelogger", "_a._b._tcp", "_._tcp", "_remotelogger._sctp", "bad name!"} {
		require.ErrorIs(t, validateServiceType(s), ErrInvalidServiceType, s)
	}
}

func TestBackOffNeverStops(t *testing.T) {
	c := Config{}
	require.NoError(t, c.normalize())

	b := c.newBackOff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.Positive(t, d)
		// Randomization may exceed the cap by half.
		require.LessOrEqual(t, d, DefaultRestartMaxInterval*3/2)
	}
}
