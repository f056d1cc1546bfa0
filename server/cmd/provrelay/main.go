// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// provrelay hosts the broadcast-channel relay that bridges confirmation
// flows between processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/jessevdk/go-flags"
	"github.com/provgate/provgate/client/app"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/broadcast"
	iniconf "github.com/provgate/provgate/prov/config"
	"github.com/provgate/provgate/server/relay"
)

const appName = "provrelay"

var defaultAppData = dcrutil.AppDataDir("provrelay", false)

type config struct {
	Addr       string `ini:"addr" long:"addr" description:"Relay listen address."`
	TLS        bool   `ini:"tls" long:"tls" description:"Serve with TLS, generating a self-signed certificate pair if absent."`
	CertFile   string `ini:"cert" long:"cert" description:"TLS certificate file location."`
	KeyFile    string `ini:"key" long:"key" description:"TLS key file location."`
	AppData    string `ini:"-" long:"appdata" description:"Path to application directory."`
	LogPath    string `ini:"logpath" long:"logpath" description:"A file to save relay logs."`
	DebugLevel string `ini:"log" long:"log" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LocalLogs  bool   `ini:"loglocal" long:"loglocal" description:"Use local time zone time stamps in log entries."`
	ShowVer    bool   `ini:"-" short:"V" long:"version" description:"Display version information and exit"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &config{
		Addr:       "127.0.0.1:7232",
		AppData:    defaultAppData,
		DebugLevel: "debug",
	}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, app.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	}

	cfg.AppData = prov.CleanAndExpandPath(cfg.AppData)
	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return fmt.Errorf("failed to create application directory: %w", err)
	}
	// Settings from the config file, with CLI flags taking precedence.
	cfgPath := filepath.Join(cfg.AppData, "provrelay.conf")
	if _, err := os.Stat(cfgPath); err == nil {
		if err := iniconf.Parse(cfgPath, cfg); err != nil {
			return fmt.Errorf("error parsing %s: %w", cfgPath, err)
		}
		if _, err := parser.Parse(); err != nil {
			return err
		}
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppData, "provrelay.log")
	}
	if cfg.TLS {
		if cfg.CertFile == "" {
			cfg.CertFile = filepath.Join(cfg.AppData, "relay.cert")
		}
		if cfg.KeyFile == "" {
			cfg.KeyFile = filepath.Join(cfg.AppData, "relay.key")
		}
	}

	logMaker, closeLogger := app.InitLogging(cfg.LogPath, cfg.DebugLevel, true, !cfg.LocalLogs)
	defer closeLogger()
	log := logMaker.Logger("RELAY")
	broadcast.UseLogger(logMaker.Logger("BUS"))
	log.Infof("%s version %s (Go version %s)", appName, app.Version, runtime.Version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("shutting down...")
		cancel()
	}()

	srv, err := relay.NewServer(&relay.Config{
		Addr:        cfg.Addr,
		CertFile:    cfg.CertFile,
		KeyFile:     cfg.KeyFile,
		AltDNSNames: []string{"localhost"},
		Log:         log,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
