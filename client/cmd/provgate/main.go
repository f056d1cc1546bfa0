// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// provgate is the confirmation surface: it joins the flow channel named on
// the command line, receives the provider-change request, prompts the user at
// the terminal, and delivers exactly one decision.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/provgate/provgate/client/app"
	"github.com/provgate/provgate/client/comms"
	"github.com/provgate/provgate/client/confirm"
	"github.com/provgate/provgate/client/db"
	"github.com/provgate/provgate/prov"
)

const appName = "provgate"

var log prov.Logger

// config adds the surface-specific options to the shared app configuration.
type config struct {
	app.Config
	ChannelName string `long:"channel" description:"Flow channel to join, as handed over by the requester."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &config{Config: app.DefaultConfig}
	if err := app.ParseCLIConfig(cfg); err != nil {
		return err
	}
	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, app.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	}
	appData, configPath := app.ResolveCLIConfigPaths(&cfg.Config)
	if err := app.ParseFileConfig(configPath, cfg); err != nil {
		return err
	}
	if err := app.ResolveConfig(appData, &cfg.Config); err != nil {
		return err
	}
	if cfg.ChannelName == "" {
		return fmt.Errorf("no flow channel specified. use --channel")
	}

	utc := !cfg.LocalLogs
	logMaker, closeLogger := app.InitLogging(cfg.LogPath, cfg.DebugLevel, true, utc)
	defer closeLogger()
	log = logMaker.Logger("GATE")
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

	history, err := db.NewDB(cfg.DBPath, logMaker.Logger("DB"))
	if err != nil {
		return fmt.Errorf("error opening decision history: %w", err)
	}
	defer history.Close()

	knownNetworks, err := app.KnownNetworks(&cfg.Config)
	if err != nil {
		log.Warnf("unreadable networks file %s: %v", cfg.NetworksPath, err)
		knownNetworks = make(map[string]string)
	}

	relayCfg := &comms.RelayConfig{
		Host: cfg.RelayAddr,
		Log:  logMaker.Logger("COMMS"),
	}
	if cfg.RelayTLS {
		relayCfg.RPCCert = cfg.RPCCert
	}

	surface, err := confirm.NewSurface(&confirm.SurfaceConfig{
		OpenChannel: func(name string) (confirm.Channel, error) {
			return comms.OpenChannel(relayCfg, name)
		},
		ChannelName: cfg.ChannelName,
		Prompter: &ttyPrompter{
			in:            bufio.NewReader(os.Stdin),
			knownNetworks: knownNetworks,
		},
		DB: history,
		// One logger per flow, named for the channel.
		Log: logMaker.SubLogger("CONF", cfg.ChannelName),
	})
	if err != nil {
		return err
	}
	return surface.Run(ctx)
}

// ttyPrompter renders the confirmation prompt on the terminal. It stands in
// for the popup UI, which is not this program's concern.
type ttyPrompter struct {
	in            *bufio.Reader
	knownNetworks map[string]string
}

func (p *ttyPrompter) Prompt(_ context.Context, prompt *confirm.Prompt) (bool, error) {
	from := prompt.Host
	if from == "" {
		from = "(unknown)"
	}
	fmt.Printf("\n%s wants to change your network provider.\n\n", from)
	if prompt.Kind.IsRPC() {
		fmt.Printf("  Custom RPC endpoint:\n")
		fmt.Printf("    Name:     %s\n", prompt.RPC.NetworkName)
		fmt.Printf("    URL:      %s\n", prompt.RPC.NetworkURL)
		fmt.Printf("    Chain ID: %s\n", prompt.RPC.DisplayChainID())
	} else {
		name := prompt.NetworkID
		if display, found := p.knownNetworks[prompt.NetworkID]; found {
			name = fmt.Sprintf("%s (%s)", display, prompt.NetworkID)
		}
		fmt.Printf("  Network: %s\n", name)
	}
	fmt.Print("\nApprove? [y/N]: ")
	line, err := p.in.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

var _ confirm.Prompter = (*ttyPrompter)(nil)
