// remotelogger streams log lines between machines on the local network.
//
// Monitor mode advertises this machine and prints the lines it receives:
//
//	remotelogger monitor --name desk --passcode 1234
//
// Source mode connects to the first monitor it finds, sends a control
// message naming itself and forwards every line read from stdin:
//
//	make 2>&1 | remotelogger source --passcode 1234
//
// Lines read while no monitor is connected are dropped. Settings can also
// come from a YAML or TOML file passed with --config; flags win.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	remotelogger "github.com/backkem/go-remotelogger"
	"github.com/pion/logging"
	"github.com/spf13/pflag"
)

func main() {
	err := mainErr()
	if err != nil {
		log.Fatal(err)
	}
}

func mainErr() error {
	flags := defaultOptions()
	var configPath string

	fs := pflag.NewFlagSet("remotelogger", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "YAML or TOML config file")
	flags.addFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: remotelogger monitor|source [flags]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one mode")
	}

	opts := flags
	if configPath != "" {
		var err error
		opts, err = loadOptions(configPath, defaultOptions())
		if err != nil {
			return err
		}
		overlay(&opts, fs, flags)
	}

	config, err := opts.managerConfig()
	if err != nil {
		return err
	}

	m, err := remotelogger.NewManager(config)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer m.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode := fs.Arg(0); mode {
	case "monitor":
		return runMonitor(ctx, m, opts)
	case "source":
		return runSource(ctx, m, opts)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func runMonitor(ctx context.Context, m *remotelogger.Manager, opts options) error {
	m.OnReady(func() {
		fmt.Fprintln(os.Stderr, "-- source connected")
	})
	m.OnFailed(func() {
		fmt.Fprintln(os.Stderr, "-- source disconnected")
	})
	m.OnControlReceived(func(text string) {
		fmt.Fprintf(os.Stderr, "-- streaming from %s\n", text)
	})
	m.OnLogReceived(func(text string) {
		fmt.Println(text)
	})

	if err := m.StartAdvertising(opts.Name, opts.Passcode); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	fmt.Fprintf(os.Stderr, "-- advertising as %q\n", opts.Name)

	<-ctx.Done()
	return nil
}

func runSource(ctx context.Context, m *remotelogger.Manager, opts options) error {
	lf := &remotelogger.LoggerFactory{Manager: m, Level: logging.LogLevelInfo, Writer: os.Stderr}
	appLog := lf.NewLogger("source")

	m.OnConnected(func(name string) {
		fmt.Fprintf(os.Stderr, "-- connecting to %s\n", name)
	})
	m.OnReady(func() {
		if err := m.SendControl(opts.Control); err != nil {
			fmt.Fprintf(os.Stderr, "-- failed to send control: %v\n", err)
			return
		}
		appLog.Infof("Streaming to %s", m.AdvertiserName())
	})
	m.OnFailed(func() {
		fmt.Fprintln(os.Stderr, "-- monitor disconnected, waiting for another one")
	})

	if err := m.StartBrowsing(true, opts.Passcode); err != nil {
		return fmt.Errorf("failed to start browsing: %w", err)
	}

	copied := make(chan error, 1)
	w := &remotelogger.LogWriter{Manager: m}
	go func() {
		_, err := io.Copy(w, os.Stdin)
		if err == nil {
			err = w.Flush()
		}
		copied <- err
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-copied:
		if errors.Is(err, remotelogger.ErrManagerClosed) {
			return nil
		}
		return err
	}
}
