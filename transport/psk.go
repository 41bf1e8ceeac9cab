package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/pion/dtls/v3"
)

// CipherSuite is the only suite offered. Both sides must hold the same
// passcode-derived key for the handshake to finish.
const CipherSuite = dtls.TLS_PSK_WITH_AES_128_GCM_SHA256

// DeriveKey computes the pre-shared key: an HMAC-SHA256 over the shared code,
// keyed with the passcode. The passcode itself never leaves the process.
func DeriveKey(sharedCode, passcode string) []byte {
	mac := hmac.New(sha256.New, []byte(passcode))
	mac.Write([]byte(sharedCode))
	return mac.Sum(nil)
}

func (c *Config) dtlsConfig() *dtls.Config {
	key := DeriveKey(c.SharedCode, c.Passcode)
	identity := []byte(c.SharedCode)
	log := c.LoggerFactory.NewLogger("transport")

	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			// The client side may see no hint at all. The server always sees
			// the client's identity.
			if len(hint) > 0 && !hmac.Equal(hint, identity) {
				log.Debugf("Rejecting PSK identity %q", hint)
				return nil, fmt.Errorf("%w: %q", ErrUnknownIdentity, hint)
			}
			return key, nil
		},
		PSKIdentityHint: identity,
		CipherSuites:    []dtls.CipherSuiteID{CipherSuite},
		LoggerFactory:   c.LoggerFactory,
	}
}
