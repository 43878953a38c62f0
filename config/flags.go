package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
)

// Flags holds parsed command-line flags, struct-tag driven via go-flags.
type Flags struct {
	// Commands
	Version bool `short:"v" long:"version" description:"Show version information"`

	// Core
	Network string `long:"network" description:"Network type (mainnet or testnet)"`
	Testnet bool   `long:"testnet" description:"Use testnet (shorthand for --network=testnet)"`
	DataDir string `long:"datadir" description:"Data directory path"`
	Config  string `short:"c" long:"config" description:"Config file path"`

	// Peer transport
	P2P      bool     `long:"p2p" description:"Enable peer transport"`
	P2PPort  int      `long:"p2p-port" description:"Peer transport listen port"`
	Seeds    string   `long:"seeds" description:"Seed peers as comma-separated ws:// URLs"`
	MaxPeers int      `long:"maxpeers" description:"Maximum number of peers"`

	// RPC
	RPC        bool   `long:"rpc" description:"Enable RPC/explorer server"`
	RPCAddr    string `long:"rpc-addr" description:"RPC listen address"`
	RPCPort    int    `long:"rpc-port" description:"RPC listen port"`
	RPCAllowed string `long:"rpc-allowed" description:"Allowed IPs for RPC (comma-separated)"`
	RPCCORS    string `long:"rpc-cors" description:"Allowed CORS origins for RPC (comma-separated)"`
	RPCWS      bool   `long:"rpc-ws" description:"Serve a websocket streaming endpoint"`
	RPCWSPort  int    `long:"rpc-ws-port" description:"Websocket endpoint port"`

	// Mining (operational only)
	Mine     bool   `long:"mine" description:"Enable block production"`
	Coinbase string `long:"coinbase" description:"Hex-encoded 32-byte pubkey hash to receive block rewards"`
	Threads  int    `long:"threads" description:"Parallel nonce-search threads"`

	// Logging
	LogLevel string `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFile  string `long:"log-file" description:"Log file path"`
	LogJSON  bool   `long:"log-json" description:"Output logs as JSON"`

	// Positional (unused, but kept so extra args produce a clear error)
	Args struct{} `positional-args:"yes"`
}

// ParseFlags parses command-line flags with github.com/jessevdk/go-flags.
func ParseFlags() *Flags {
	f := &Flags{}
	parser := flags.NewParser(f, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = usageLine

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if f.Testnet {
		f.Network = "testnet"
	}

	return f
}

const usageLine = "[OPTIONS]"

// ApplyFlags applies command-line flags to a Config struct.
// Zero-value fields are left untouched since go-flags cannot distinguish
// "not set" from "set to the zero value" for plain bool/int/string fields;
// callers that need explicit true/false overrides should set them via the
// config file instead.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Peer transport
	if f.P2P {
		cfg.P2P.Enabled = true
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}

	// RPC
	if f.RPC {
		cfg.RPC.Enabled = true
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}
	if f.RPCWS {
		cfg.RPC.EnableWS = true
	}
	if f.RPCWSPort != 0 {
		cfg.RPC.WSPort = f.RPCWSPort
	}

	// Mining
	if f.Mine {
		cfg.Mining.Enabled = true
	}
	if f.Coinbase != "" {
		cfg.Mining.Coinbase = f.Coinbase
	}
	if f.Threads != 0 {
		cfg.Mining.Threads = f.Threads
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.LogJSON {
		cfg.Log.JSON = true
	}
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flagsParsed := ParseFlags()

	if flagsParsed.Version {
		fmt.Println("klingnetd version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flagsParsed.Network) == "testnet" {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flagsParsed.DataDir != "" {
		cfg.DataDir = flagsParsed.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flagsParsed.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flagsParsed)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flagsParsed, nil
}

// LoadFromFile loads config from defaults + conf file only (no CLI flags).
func LoadFromFile(dataDir string, network NetworkType) (*Config, error) {
	cfg := Default(network)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}
	fileValues, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent — safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.UTXODir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
