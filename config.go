package remotelogger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/backkem/go-remotelogger/internal/clock"
	"github.com/backkem/go-remotelogger/mdns"
	"github.com/backkem/go-remotelogger/transport"
	"github.com/cenkalti/backoff"
	"github.com/miekg/dns"
	"github.com/pion/logging"
)

const (
	DefaultServiceType = "_remotelogger._tcp"
	DefaultDomain      = "local."
	DefaultSharedCode  = "preSharedCode"

	// DefaultDebounce absorbs the duplicate snapshots some discovery
	// backends emit in quick succession.
	DefaultDebounce = 500 * time.Millisecond

	DefaultRestartInitialInterval = 250 * time.Millisecond
	DefaultRestartMaxInterval     = 30 * time.Second

	protocolVersion = "1"
)

var ErrInvalidServiceType = errors.New("invalid service type")

// Config configures a Manager. The zero value is usable.
type Config struct {
	// ServiceType is the DNS-SD service type, e.g. "_remotelogger._tcp".
	ServiceType string
	Domain      string

	// SharedCode identifies the application in the secure handshake.
	SharedCode string

	// Network selects the secure transport, "tcp" or "udp".
	Network string
	// ListenAddr is where the advertiser listens. Defaults to an
	// ephemeral port on all interfaces.
	ListenAddr string
	KeepAlive  time.Duration

	// HandshakeTimeout fails a Connection whose peer did not complete the
	// secure handshake in time, which is how a wrong passcode shows up.
	// Defaults to transport.DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Debounce time.Duration

	RestartInitialInterval time.Duration
	RestartMaxInterval     time.Duration

	LoggerFactory logging.LoggerFactory

	// Registrar and Resolver default to multicast DNS.
	Registrar Registrar
	Resolver  Resolver

	clock clock.Clock
}

func (c *Config) normalize() error {
	if c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	if err := validateServiceType(c.ServiceType); err != nil {
		return err
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	c.Domain = dns.Fqdn(c.Domain)
	if c.SharedCode == "" {
		c.SharedCode = DefaultSharedCode
	}
	if c.Network == "" {
		c.Network = transport.NetworkTCP
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = transport.DefaultKeepAlive
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	if c.RestartInitialInterval == 0 {
		c.RestartInitialInterval = DefaultRestartInitialInterval
	}
	if c.RestartMaxInterval == 0 {
		c.RestartMaxInterval = DefaultRestartMaxInterval
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Registrar == nil {
		c.Registrar = zeroconfRegistrar{}
	}
	if c.Resolver == nil {
		c.Resolver = &mdns.Resolver{LoggerFactory: c.LoggerFactory}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	return nil
}

// validateServiceType accepts "_service._tcp" and "_service._udp".
func validateServiceType(s string) error {
	if _, ok := dns.IsDomainName(s); !ok {
		return fmt.Errorf("%w: %q is not a domain name", ErrInvalidServiceType, s)
	}
	labels := dns.SplitDomainName(s)
	if len(labels) != 2 {
		return fmt.Errorf("%w: %q must have exactly two labels", ErrInvalidServiceType, s)
	}
	if !strings.HasPrefix(labels[0], "_") || len(labels[0]) < 2 {
		return fmt.Errorf("%w: %q service label must start with '_'", ErrInvalidServiceType, s)
	}
	if labels[1] != "_tcp" && labels[1] != "_udp" {
		return fmt.Errorf("%w: %q protocol must be _tcp or _udp", ErrInvalidServiceType, s)
	}
	return nil
}

func (c *Config) transportConfig(passcode string) transport.Config {
	return transport.Config{
		SharedCode:       c.SharedCode,
		Passcode:         passcode,
		Network:          c.Network,
		KeepAlive:        c.KeepAlive,
		HandshakeTimeout: c.HandshakeTimeout,
		LoggerFactory:    c.LoggerFactory,
	}
}

// newBackOff returns the restart policy for the advertiser and browser
// loops. It never gives up.
func (c *Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RestartInitialInterval
	b.MaxInterval = c.RestartMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
