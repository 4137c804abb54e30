// Package config handles configuration loading and validation.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// NEARLOAD_* environment variables, then command-line flags. A later source
// only overrides what it sets.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/nearload/internal/execnode"
	"github.com/gateway-fm/nearload/internal/statekey"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Config holds load generator configuration.
type Config struct {
	RPCURL   string `yaml:"rpc_url"`
	NearHome string `yaml:"near_home"` // Directory holding validator_key.json
	WasmPath string `yaml:"wasm_path"`
	// StoragePrefix is the hex accounts map prefix of the token contract.
	StoragePrefix string `yaml:"storage_prefix"`

	Calls         int              `yaml:"calls"`
	Concurrency   int              `yaml:"concurrency"` // 0 launches every call at once
	SubmitTimeout time.Duration    `yaml:"submit_timeout"`
	Mode          types.SubmitMode `yaml:"mode"`
	Amount        string           `yaml:"amount"`
	RateLimit     int              `yaml:"rate_limit"` // Launches per second, 0 unpaced
	FailFast      bool             `yaml:"fail_fast"`
	VerifySample  int              `yaml:"verify_sample"`

	NodeKind           string `yaml:"node_kind"`
	DatabasePath       string `yaml:"db_path"` // Empty disables run history
	ListenAddr         string `yaml:"listen_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level"`
	LogFile            string `yaml:"log_file"` // Empty logs to stderr

	// Resolved from StoragePrefix and NodeKind by Load.
	Prefix       statekey.Prefix            `yaml:"-"`
	Capabilities *execnode.NodeCapabilities `yaml:"-"`
}

// HelpError is returned by Load when -h or -help is given. It carries the
// flag defaults and matches flag.ErrHelp.
type HelpError struct {
	Usage string
}

func (e *HelpError) Error() string { return flag.ErrHelp.Error() }

func (e *HelpError) Unwrap() error { return flag.ErrHelp }

// CLIConfig holds the settings of a one-shot command-line run.
type CLIConfig struct {
	Scenario string
	Contract types.AccountID // Dump target
}

// One-shot scenarios besides the run kinds.
const (
	ScenarioDump = "dump"
)

// Defaults
const (
	DefaultRPCURL             = "http://localhost:3030"
	DefaultWasmPath           = "./contracts/ft/target/wasm32-unknown-unknown/release/fungible_token.wasm"
	DefaultCalls              = 2000
	DefaultSubmitTimeout      = 0 // No per-call timeout
	DefaultMode               = types.ModeSync
	DefaultAmount             = "42"
	DefaultVerifySample       = 100
	DefaultNodeKind           = "sandbox"
	DefaultDatabasePath       = "./data/nearload.db"
	DefaultListenAddr         = ":3001"
	DefaultCORSAllowedOrigins = "*" // Allow all origins by default for dev
	DefaultLogLevel           = "info"

	// NearHomeEnv is the conventional sandbox home variable of NEAR tooling.
	NearHomeEnv = "NEAR_RUNNER_WS_NEAR_HOME"
)

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		RPCURL:             DefaultRPCURL,
		WasmPath:           DefaultWasmPath,
		StoragePrefix:      statekey.DefaultFTAccountsPrefix.String(),
		Calls:              DefaultCalls,
		SubmitTimeout:      DefaultSubmitTimeout,
		Mode:               DefaultMode,
		Amount:             DefaultAmount,
		VerifySample:       DefaultVerifySample,
		NodeKind:           DefaultNodeKind,
		DatabasePath:       DefaultDatabasePath,
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}
}

// Load resolves configuration from args (without the program name) and the
// environment. The CLI config is nil when no scenario is requested, which
// means server mode.
func Load(args []string, getenv func(string) string) (*Config, *CLIConfig, error) {
	fs := flag.NewFlagSet("nearload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		fv         = Default()
		configPath = fs.String("config", "", "YAML config file")
		scenario   = fs.String("scenario", "", "Run one scenario and exit (load, passive-registration, gas-limit, dump)")
		contract   = fs.String("contract", "", "Contract account to dump")
	)
	fs.StringVar(&fv.RPCURL, "rpc", fv.RPCURL, "NEAR JSON-RPC URL")
	fs.StringVar(&fv.NearHome, "near-home", fv.NearHome, "Directory holding validator_key.json")
	fs.StringVar(&fv.WasmPath, "wasm", fv.WasmPath, "Fungible token contract wasm")
	fs.StringVar(&fv.StoragePrefix, "prefix", fv.StoragePrefix, "Hex accounts map prefix of the token contract")
	fs.IntVar(&fv.Calls, "calls", fv.Calls, "Transfers per load run")
	fs.IntVar(&fv.Concurrency, "concurrency", fv.Concurrency, "Max in-flight calls (0 = all at once)")
	fs.DurationVar(&fv.SubmitTimeout, "submit-timeout", fv.SubmitTimeout, "Per-call timeout (0 = none)")
	mode := fs.String("mode", string(fv.Mode),
		"Submit mode (sync, async, async-await). The default sync waits for every outcome;\n"+
			"async is fire-and-forget and leaves outcomes uncollected")
	fs.StringVar(&fv.Amount, "amount", fv.Amount, "Transfer amount in token units")
	fs.IntVar(&fv.RateLimit, "rate", fv.RateLimit, "Launches per second (0 = unpaced)")
	fs.BoolVar(&fv.FailFast, "fail-fast", fv.FailFast, "Abort a batch on the first submission error")
	fs.IntVar(&fv.VerifySample, "verify-sample", fv.VerifySample, "Outcomes re-queried after a load run")
	fs.StringVar(&fv.NodeKind, "node", fv.NodeKind, "Node kind (sandbox, localnet, testnet, mainnet)")
	fs.StringVar(&fv.DatabasePath, "db", fv.DatabasePath, "SQLite run history (empty disables)")
	fs.StringVar(&fv.ListenAddr, "listen", fv.ListenAddr, "HTTP listen address")
	fs.StringVar(&fv.CORSAllowedOrigins, "cors", fv.CORSAllowedOrigins, "Allowed origins, comma-separated or *")
	fs.StringVar(&fv.LogLevel, "log-level", fv.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&fv.LogFile, "log-file", fv.LogFile, "Rotated log file (empty logs to stderr)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			var usage bytes.Buffer
			fs.SetOutput(&usage)
			fs.PrintDefaults()
			return nil, nil, &HelpError{Usage: usage.String()}
		}
		return nil, nil, err
	}
	fv.Mode = types.SubmitMode(*mode)

	cfg := Default()

	path := getenv("NEARLOAD_CONFIG")
	if *configPath != "" {
		path = *configPath
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.applyFlag(fv, f.Name)
	})

	if err := cfg.resolve(); err != nil {
		return nil, nil, err
	}

	var cli *CLIConfig
	if *scenario != "" {
		cli = &CLIConfig{Scenario: *scenario, Contract: types.AccountID(*contract)}
		if err := cli.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.Validate(cli); err != nil {
		return nil, nil, err
	}
	return cfg, cli, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"NEARLOAD_RPC_URL":              &c.RPCURL,
		"NEARLOAD_WASM_PATH":            &c.WasmPath,
		"NEARLOAD_STORAGE_PREFIX":       &c.StoragePrefix,
		"NEARLOAD_AMOUNT":               &c.Amount,
		"NEARLOAD_NODE_KIND":            &c.NodeKind,
		"NEARLOAD_DB_PATH":              &c.DatabasePath,
		"NEARLOAD_LISTEN_ADDR":          &c.ListenAddr,
		"NEARLOAD_CORS_ALLOWED_ORIGINS": &c.CORSAllowedOrigins,
		"NEARLOAD_LOG_LEVEL":            &c.LogLevel,
		"NEARLOAD_LOG_FILE":             &c.LogFile,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	// The tool-specific variable wins over the shared one
	if v := getenv(NearHomeEnv); v != "" {
		c.NearHome = v
	}
	if v := getenv("NEARLOAD_NEAR_HOME"); v != "" {
		c.NearHome = v
	}
	if v := getenv("NEARLOAD_MODE"); v != "" {
		c.Mode = types.SubmitMode(v)
	}

	ints := map[string]*int{
		"NEARLOAD_CALLS":         &c.Calls,
		"NEARLOAD_CONCURRENCY":   &c.Concurrency,
		"NEARLOAD_RATE_LIMIT":    &c.RateLimit,
		"NEARLOAD_VERIFY_SAMPLE": &c.VerifySample,
	}
	for name, dst := range ints {
		v := getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	if v := getenv("NEARLOAD_SUBMIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NEARLOAD_SUBMIT_TIMEOUT: %w", err)
		}
		c.SubmitTimeout = d
	}
	if v := getenv("NEARLOAD_FAIL_FAST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NEARLOAD_FAIL_FAST: %w", err)
		}
		c.FailFast = b
	}
	return nil
}

// applyFlag copies one explicitly set flag from fv.
func (c *Config) applyFlag(fv *Config, name string) {
	switch name {
	case "rpc":
		c.RPCURL = fv.RPCURL
	case "near-home":
		c.NearHome = fv.NearHome
	case "wasm":
		c.WasmPath = fv.WasmPath
	case "prefix":
		c.StoragePrefix = fv.StoragePrefix
	case "calls":
		c.Calls = fv.Calls
	case "concurrency":
		c.Concurrency = fv.Concurrency
	case "submit-timeout":
		c.SubmitTimeout = fv.SubmitTimeout
	case "mode":
		c.Mode = fv.Mode
	case "amount":
		c.Amount = fv.Amount
	case "rate":
		c.RateLimit = fv.RateLimit
	case "fail-fast":
		c.FailFast = fv.FailFast
	case "verify-sample":
		c.VerifySample = fv.VerifySample
	case "node":
		c.NodeKind = fv.NodeKind
	case "db":
		c.DatabasePath = fv.DatabasePath
	case "listen":
		c.ListenAddr = fv.ListenAddr
	case "cors":
		c.CORSAllowedOrigins = fv.CORSAllowedOrigins
	case "log-level":
		c.LogLevel = fv.LogLevel
	case "log-file":
		c.LogFile = fv.LogFile
	}
}

// resolve parses the prefix and looks up the node capabilities.
func (c *Config) resolve() error {
	prefix, err := statekey.ParsePrefix(c.StoragePrefix)
	if err != nil {
		return err
	}
	c.Prefix = prefix

	registry := execnode.DefaultRegistry()
	c.Capabilities = registry.Get(c.NodeKind)
	if c.Capabilities == nil {
		return fmt.Errorf("unknown node kind: %s (supported: %s)", c.NodeKind, strings.Join(registry.Names(), ", "))
	}
	return nil
}

// Validate validates the configuration. cli is nil in server mode.
func (c *Config) Validate(cli *CLIConfig) error {
	u, err := url.Parse(c.RPCURL)
	if c.RPCURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("rpc url must be an http(s) URL, got %q", c.RPCURL)
	}
	if len(c.Prefix) == 0 {
		return errors.New("storage prefix cannot be empty")
	}
	if c.Calls <= 0 {
		return fmt.Errorf("calls must be positive, got %d", c.Calls)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative, got %d", c.Concurrency)
	}
	if c.SubmitTimeout < 0 {
		return fmt.Errorf("submit timeout cannot be negative, got %s", c.SubmitTimeout)
	}
	switch c.Mode {
	case types.ModeSync, types.ModeAsync, types.ModeAsyncAwait:
	default:
		return fmt.Errorf("invalid mode: %s (valid: sync, async, async-await)", c.Mode)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative, got %d", c.RateLimit)
	}
	if c.VerifySample < 0 {
		return fmt.Errorf("verify sample cannot be negative, got %d", c.VerifySample)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	// Everything but a state dump provisions with the validator key
	if cli == nil || cli.Scenario != ScenarioDump {
		if c.NearHome == "" {
			return fmt.Errorf("near home is required (set -near-home or %s)", NearHomeEnv)
		}
		if c.WasmPath == "" {
			return errors.New("wasm path is required")
		}
	}
	return nil
}

// Validate validates the CLI configuration.
func (c *CLIConfig) Validate() error {
	switch types.RunKind(c.Scenario) {
	case types.RunKindLoad, types.RunKindPassiveRegistration, types.RunKindGasLimit:
		return nil
	}
	if c.Scenario != ScenarioDump {
		return fmt.Errorf("invalid scenario: %s (valid: load, passive-registration, gas-limit, dump)", c.Scenario)
	}
	if c.Contract == "" {
		return errors.New("dump requires -contract")
	}
	return nil
}
