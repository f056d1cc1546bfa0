// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// provreq runs one provider-change confirmation flow from the requesting
// side: it opens an ephemeral flow channel on the relay, spawns the provgate
// confirmation surface for it, and waits for the decision. The process exits
// 0 on approval and 2 on denial or timeout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/provgate/provgate/client/app"
	"github.com/provgate/provgate/client/comms"
	"github.com/provgate/provgate/client/confirm"
	"github.com/provgate/provgate/client/db"
	"github.com/provgate/provgate/prov/confmsg"
	"github.com/provgate/provgate/prov/wait"
)

const appName = "provreq"

// config adds the requester-specific options to the shared app configuration.
type config struct {
	app.Config
	Origin      string `long:"origin" description:"Requesting context URL. Only the hostname is shown to the user."`
	NetworkID   string `long:"network" description:"Named built-in network identifier to switch to."`
	RPCName     string `long:"rpcname" description:"Custom RPC network name."`
	RPCURL      string `long:"rpcurl" description:"Custom RPC endpoint URL."`
	RPCChainID  string `long:"chainid" description:"Custom RPC chain ID, a 0x-hex quantity."`
	SurfaceCmd  string `long:"surfacecmd" description:"Command to launch the confirmation surface."`
}

func main() {
	approved, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !approved {
		os.Exit(2)
	}
}

func run() (bool, error) {
	cfg := &config{Config: app.DefaultConfig}
	if err := app.ParseCLIConfig(cfg); err != nil {
		return false, err
	}
	if cfg.ShowVer {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, app.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return true, nil
	}
	appData, configPath := app.ResolveCLIConfigPaths(&cfg.Config)
	if err := app.ParseFileConfig(configPath, cfg); err != nil {
		return false, err
	}
	if err := app.ResolveConfig(appData, &cfg.Config); err != nil {
		return false, err
	}
	if cfg.SurfaceCmd == "" {
		cfg.SurfaceCmd = "provgate"
	}

	spec, err := buildSpec(cfg)
	if err != nil {
		return false, err
	}

	logMaker, closeLogger := app.InitLogging(cfg.LogPath, cfg.DebugLevel, false, !cfg.LocalLogs)
	defer closeLogger()
	log := logMaker.Logger("REQ")
	wait.UseLogger(logMaker.Logger("WAIT"))

	history, err := db.NewDB(cfg.DBPath, logMaker.Logger("DB"))
	if err != nil {
		return false, fmt.Errorf("error opening decision history: %w", err)
	}
	defer history.Close()

	relayCfg := &comms.RelayConfig{
		Host: cfg.RelayAddr,
		Log:  logMaker.Logger("COMMS"),
	}
	if cfg.RelayTLS {
		relayCfg.RPCCert = cfg.RPCCert
	}

	requester, err := confirm.NewRequester(&confirm.RequesterConfig{
		OpenChannel: func(name string) (confirm.Channel, error) {
			return comms.OpenChannel(relayCfg, name)
		},
		OpenSurface: func(ctx context.Context, channelName string) error {
			cmd := exec.CommandContext(ctx, cfg.SurfaceCmd, "--channel", channelName)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Start()
		},
		Location: func() string { return cfg.Origin },
		Timeout:  cfg.FlowTimeout,
		DB:       history,
		Log:      log,
	})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go requester.Run(ctx)

	decision, err := requester.Confirm(ctx, spec)
	if err != nil {
		return false, err
	}
	switch {
	case decision.Approved:
		fmt.Printf("approved: %s\n", spec)
	case decision.TimedOut:
		fmt.Println("no decision before timeout. treating as denied")
	default:
		fmt.Println("denied")
	}
	return decision.Approved, nil
}

// buildSpec assembles the requested network spec from the flags. Exactly one
// of --network and the --rpc* group must be given.
func buildSpec(cfg *config) (*confmsg.NetworkSpec, error) {
	rpc := cfg.RPCName != "" || cfg.RPCURL != "" || cfg.RPCChainID != ""
	if rpc && cfg.NetworkID != "" {
		return nil, fmt.Errorf("--network cannot be combined with custom RPC flags")
	}
	if rpc {
		return confmsg.RPCNetworkSpec(&confmsg.RPCNetwork{
			NetworkName: cfg.RPCName,
			NetworkURL:  cfg.RPCURL,
			ChainID:     cfg.RPCChainID,
		})
	}
	if cfg.NetworkID == "" {
		return nil, fmt.Errorf("specify --network or the --rpcname/--rpcurl/--chainid group")
	}
	return confmsg.NamedNetworkSpec(cfg.NetworkID)
}
