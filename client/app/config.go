// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package app holds the shared application-level plumbing for the provgate
// executables: configuration resolution and logging bootstrap.
package app

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/jessevdk/go-flags"
	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/config"
)

const (
	defaultRelayHost    = "127.0.0.1"
	defaultRelayPort    = "7232"
	defaultRPCCertFile  = "relay.cert"
	defaultRPCKeyFile   = "relay.key"
	defaultLogLevel     = "debug"
	configFilename      = "provgate.conf"
	networksFilename    = "networks.conf"
	dbFilename          = "decisions.db"
	logFilename         = "provgate.log"
	defaultFlowTimeout  = 2 * time.Minute
)

var (
	defaultApplicationDirectory = dcrutil.AppDataDir("provgate", false)
	defaultConfigPath           = filepath.Join(defaultApplicationDirectory, configFilename)
)

// RelayConfig encapsulates the settings for reaching (or running) the
// confirmation relay.
type RelayConfig struct {
	RelayAddr string `long:"relayaddr" description:"Relay listen/dial address"`
	RelayTLS  bool   `long:"relaytls" description:"Use TLS for the relay connection"`
	RPCCert   string `long:"rpccert" description:"Relay TLS certificate file location"`
	RPCKey    string `long:"rpckey" description:"Relay TLS key file location"`
}

// ConfirmConfig encapsulates the settings specific to the confirmation flow.
type ConfirmConfig struct {
	DBPath       string        `long:"db" description:"Decision history database filepath. Created if it does not exist."`
	NetworksPath string        `long:"networks" description:"Path to an INI file mapping named-network identifiers to display names."`
	FlowTimeout  time.Duration `long:"flowtimeout" description:"How long a requester waits for a decision before treating the change as denied."`
}

// LogConfig encapsulates the logging-related settings.
type LogConfig struct {
	LogPath    string `long:"logpath" description:"A file to save app logs"`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
}

// Config is the common application configuration definition.
type Config struct {
	RelayConfig
	ConfirmConfig
	LogConfig
	// AppData and ConfigPath should be parsed from the command-line, as it
	// makes no sense to set these in the config file itself. If no values are
	// assigned, defaults will be used.
	AppData    string `long:"appdata" description:"Path to application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// DefaultConfig is the starting point for configuration resolution.
var DefaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	ConfigPath: defaultConfigPath,
	LogConfig:  LogConfig{DebugLevel: defaultLogLevel},
}

// ParseCLIConfig parses the command-line arguments into the provided struct
// with go-flags tags. If the --help flag has been passed, the struct is
// described back to the terminal and the program exits using os.Exit.
func ParseCLIConfig(cfg any) error {
	preParser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	_, flagerr := preParser.Parse()

	if flagerr != nil {
		e, ok := flagerr.(*flags.Error)
		if !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		if ok && e.Type == flags.ErrHelp {
			preParser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		return flagerr
	}
	return nil
}

// ResolveCLIConfigPaths resolves the app data directory path and the
// configuration file path from the CLI config, (presumably parsed with
// ParseCLIConfig).
func ResolveCLIConfigPaths(cfg *Config) (appData, configPath string) {
	// If the app directory has been changed, replace shortcut chars such as
	// "~" with the full path.
	if cfg.AppData != defaultApplicationDirectory {
		cfg.AppData = prov.CleanAndExpandPath(cfg.AppData)
		// If the app directory has been changed, but the config file path
		// hasn't, reform the config file path with the new directory.
		if cfg.ConfigPath == defaultConfigPath {
			cfg.ConfigPath = filepath.Join(cfg.AppData, configFilename)
		}
	}
	cfg.ConfigPath = prov.CleanAndExpandPath(cfg.ConfigPath)
	return cfg.AppData, cfg.ConfigPath
}

// ParseFileConfig parses the INI file into the provided struct with go-flags
// tags. The CLI args are then parsed, and take precedence over the file
// values.
func ParseFileConfig(path string, cfg any) error {
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return err
		}
		// Missing file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return err
	}
	return nil
}

// ResolveConfig sets derivative fields of the Config struct using the
// specified app data directory (presumably returned from
// ResolveCLIConfigPaths). Some unset values are given defaults.
func ResolveConfig(appData string, cfg *Config) error {
	cfg.AppData = appData
	if err := os.MkdirAll(appData, 0700); err != nil {
		return fmt.Errorf("failed to create application directory: %w", err)
	}

	if cfg.RelayAddr == "" {
		cfg.RelayAddr = net.JoinHostPort(defaultRelayHost, defaultRelayPort)
	}
	if cfg.RPCCert == "" {
		cfg.RPCCert = filepath.Join(appData, defaultRPCCertFile)
	}
	if cfg.RPCKey == "" {
		cfg.RPCKey = filepath.Join(appData, defaultRPCKeyFile)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(appData, dbFilename)
	}
	if cfg.NetworksPath == "" {
		cfg.NetworksPath = filepath.Join(appData, networksFilename)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(appData, logFilename)
	}
	if cfg.FlowTimeout == 0 {
		cfg.FlowTimeout = defaultFlowTimeout
	}
	return nil
}

// KnownNetworks loads the named-network display names from the networks
// settings file. A missing file is not an error; the map is just empty.
func KnownNetworks(cfg *Config) (map[string]string, error) {
	if _, err := os.Stat(cfg.NetworksPath); os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	return config.Options(cfg.NetworksPath)
}
