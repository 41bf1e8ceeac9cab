package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	remotelogger "github.com/backkem/go-remotelogger"
	"github.com/pion/logging"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// options are the settings of both modes. A config file is applied first
// and explicitly set flags override it.
type options struct {
	Name        string `yaml:"name" toml:"name"`
	Passcode    string `yaml:"passcode" toml:"passcode"`
	Control     string `yaml:"control" toml:"control"`
	ServiceType string `yaml:"service_type" toml:"service_type"`
	Domain      string `yaml:"domain" toml:"domain"`
	SharedCode  string `yaml:"shared_code" toml:"shared_code"`
	Network     string `yaml:"network" toml:"network"`
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
	KeepAlive   string `yaml:"keep_alive" toml:"keep_alive"`
	Handshake   string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
}

func defaultOptions() options {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "remotelogger"
	}
	return options{
		Name:     host,
		Control:  host,
		LogLevel: "warn",
	}
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "name", o.Name, "advertised name (monitor)")
	fs.StringVar(&o.Passcode, "passcode", o.Passcode, "passcode shared by monitor and source")
	fs.StringVar(&o.Control, "control", o.Control, "control message sent once connected (source)")
	fs.StringVar(&o.ServiceType, "service-type", o.ServiceType, "DNS-SD service type (default "+remotelogger.DefaultServiceType+")")
	fs.StringVar(&o.Domain, "domain", o.Domain, "browse and registration domain (default "+remotelogger.DefaultDomain+")")
	fs.StringVar(&o.SharedCode, "shared-code", o.SharedCode, "application identity used in the handshake")
	fs.StringVar(&o.Network, "network", o.Network, "secure transport, tcp or udp (default tcp)")
	fs.StringVar(&o.ListenAddr, "listen", o.ListenAddr, "monitor listen address (default :0)")
	fs.StringVar(&o.KeepAlive, "keep-alive", o.KeepAlive, "keep-alive probe interval, e.g. 2s")
	fs.StringVar(&o.Handshake, "handshake-timeout", o.Handshake, "give up on a handshake after this long, e.g. 10s")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "trace, debug, info, warn, error or disabled")
}

// loadOptions decodes a YAML or TOML file, chosen by extension, over base.
func loadOptions(path string, base options) (options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return options{}, fmt.Errorf("failed to read config: %w", err)
	}

	o := base
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &o); err != nil {
			return options{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &o); err != nil {
			return options{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return options{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return o, nil
}

// overlay copies the flags set on the command line into o.
func overlay(o *options, fs *pflag.FlagSet, flags options) {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("name", &o.Name, flags.Name)
	set("passcode", &o.Passcode, flags.Passcode)
	set("control", &o.Control, flags.Control)
	set("service-type", &o.ServiceType, flags.ServiceType)
	set("domain", &o.Domain, flags.Domain)
	set("shared-code", &o.SharedCode, flags.SharedCode)
	set("network", &o.Network, flags.Network)
	set("listen", &o.ListenAddr, flags.ListenAddr)
	set("keep-alive", &o.KeepAlive, flags.KeepAlive)
	set("handshake-timeout", &o.Handshake, flags.Handshake)
	set("log-level", &o.LogLevel, flags.LogLevel)
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}

// managerConfig translates o into a remotelogger.Config.
func (o options) managerConfig() (remotelogger.Config, error) {
	level, err := parseLogLevel(o.LogLevel)
	if err != nil {
		return remotelogger.Config{}, err
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = level

	var keepAlive, handshake time.Duration
	if o.KeepAlive != "" {
		keepAlive, err = time.ParseDuration(o.KeepAlive)
		if err != nil {
			return remotelogger.Config{}, fmt.Errorf("invalid keep-alive: %w", err)
		}
	}
	if o.Handshake != "" {
		handshake, err = time.ParseDuration(o.Handshake)
		if err != nil {
			return remotelogger.Config{}, fmt.Errorf("invalid handshake timeout: %w", err)
		}
	}

	return remotelogger.Config{
		ServiceType:      o.ServiceType,
		Domain:           o.Domain,
		SharedCode:       o.SharedCode,
		Network:          o.Network,
		ListenAddr:       o.ListenAddr,
		KeepAlive:        keepAlive,
		HandshakeTimeout: handshake,
		LoggerFactory:    lf,
	}, nil
}
