// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package app assembles the bridge daemon's configuration and logging.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"dtrex.org/xchbridge/dtx"
	"github.com/jessevdk/go-flags"
	"gopkg.in/ini.v1"
)

const (
	configFilename = "xchbridge.conf"
	logFilename    = "xchbridge.log"
	dbFilename     = "xchbridge.db"

	defaultLogLevel  = "info"
	defaultWebAddr   = "127.0.0.1:5760"
	defaultRelayPath = "/ws"
)

// Config is the daemon configuration, populated from defaults, then the ini
// configuration file, then command line flags, in increasing priority.
type Config struct {
	AppData    string `long:"appdata" ini:"-" description:"Path to application directory."`
	ConfigPath string `long:"config" ini:"-" description:"Path to an ini configuration file."`

	WebAddr string `long:"webaddr" ini:"webaddr" description:"HTTP API listen address."`

	RelayHost string `long:"relayhost" ini:"relayhost" description:"Wallet relay websocket host."`
	RelayPath string `long:"relaypath" ini:"relaypath" description:"Wallet relay websocket path."`
	RelayCert string `long:"relaycert" ini:"relaycert" description:"TLS certificate for a relay with a self-signed cert."`

	BackendAddr  string `long:"backend" ini:"backend" description:"Marketplace backend RPC endpoint."`
	BackendToken string `long:"backendtoken" ini:"backendtoken" description:"Bearer token for backend authentication."`

	DBPath string `long:"db" ini:"db" description:"Database filepath. Database will be created if it does not exist."`

	Testnet bool `long:"testnet" ini:"testnet" description:"Use testnet."`
	Simnet  bool `long:"simnet" ini:"simnet" description:"Use simnet."`

	DebugLevel string `long:"log" ini:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or per-subsystem as comma-separated subsystem=level pairs."`
	LocalLogs  bool   `long:"loglocal" ini:"loglocal" description:"Use local time zone log timestamps instead of UTC."`
	NoStdout   bool   `long:"nostdout" ini:"-" description:"Do not mirror logs to stdout."`

	// Derivative fields set by ResolveConfig.
	Net     dtx.Network `ini:"-"`
	LogPath string      `ini:"-"`
}

func defaultAppData() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xchbridge"
	}
	return filepath.Join(home, ".xchbridge")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	appData := defaultAppData()
	return Config{
		AppData:    appData,
		ConfigPath: filepath.Join(appData, configFilename),
		WebAddr:    defaultWebAddr,
		RelayPath:  defaultRelayPath,
		DebugLevel: defaultLogLevel,
	}
}

// ParseCLIConfig resolves the configuration: defaults, overridden by the ini
// configuration file if one exists, overridden by command line flags.
func ParseCLIConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	// First pass picks up --appdata and --config so the right file is read.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}
	if preCfg.AppData != cfg.AppData && preCfg.ConfigPath == cfg.ConfigPath {
		preCfg.ConfigPath = filepath.Join(preCfg.AppData, configFilename)
	}
	cfg.AppData, cfg.ConfigPath = preCfg.AppData, preCfg.ConfigPath

	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		iniFile, err := ini.Load(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error parsing configuration file: %w", err)
		}
		if err := iniFile.Section("").MapTo(&cfg); err != nil {
			return nil, fmt.Errorf("error applying configuration file: %w", err)
		}
	}

	// Second pass lets flags override the file.
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := ResolveConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConfig validates the configuration and sets the derivative fields.
func ResolveConfig(cfg *Config) error {
	if cfg.Testnet && cfg.Simnet {
		return fmt.Errorf("both testnet and simnet selected")
	}
	switch {
	case cfg.Testnet:
		cfg.Net = dtx.Testnet
	case cfg.Simnet:
		cfg.Net = dtx.Simnet
	default:
		cfg.Net = dtx.Mainnet
	}

	netDir := filepath.Join(cfg.AppData, cfg.Net.String())
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return fmt.Errorf("cannot create application directory: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(netDir, dbFilename)
	}
	cfg.LogPath = filepath.Join(netDir, "logs", logFilename)

	if cfg.RelayHost == "" {
		return fmt.Errorf("no relay host configured")
	}
	if cfg.BackendAddr == "" {
		return fmt.Errorf("no backend address configured")
	}
	return nil
}
