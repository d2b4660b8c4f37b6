// Package config loads gateway runtime configuration.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the capgw gateway.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string // data directory, or a postgres:// DSN for an external database
	HTTPPort int
	SIPHost  string // local address for the SIP listener
	SIPPort  int

	// SIGTRAN endpoint toward the switch.
	SCTPLocalAddr  string
	SCTPRemoteAddr string
	OPC            uint32 // own signalling point code
	DPC            uint32 // destination signalling point code
	LocalGT        string // own global title digits
	RemoteGT       string // switch global title digits

	CAPPhase int // CAMEL application part phase (2, 3 or 4)

	// Keep-alive timers. A zero or negative delay disables the timer for
	// that segment state.
	ResetTimerWFI        time.Duration // delay in WAITING_FOR_INSTRUCTIONS
	ResetTimerWFEUI      time.Duration // delay in WAITING_FOR_END_OF_USER_INTERACTION
	ResetTimerValue      int           // Tssf refresh value sent in the resetTimer operation, seconds
	ActivityTestInterval time.Duration // dialog keep-alive period while monitoring

	// Default handling when no application server is configured or
	// reachable: "continue" or "release".
	DefaultAction       string
	DefaultReleaseCause int

	GraceTimer time.Duration // wait before aborting a half-closed dialog
	ASCooldown time.Duration // how long a failed application server stays excluded

	// Admission control for initial detection points.
	InitialDPRate  float64
	InitialDPBurst int

	// Resources maps media-resource aliases to their resource addresses,
	// parsed from "alias=address" pairs.
	Resources map[string]string

	// APIToken is the bearer token required on mutating management API
	// requests. Empty disables authentication.
	APIToken string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultSIPHost        = "0.0.0.0"
	defaultSIPPort        = 5060
	defaultSCTPLocal      = "127.0.0.1:2905"
	defaultSCTPRemote     = "127.0.0.1:2906"
	defaultCAPPhase       = 4
	defaultResetWFI       = 20 * time.Second
	defaultResetWFEUI     = 20 * time.Second
	defaultResetValue     = 30
	defaultActivityTest   = 60 * time.Second
	defaultAction         = "continue"
	defaultReleaseCause   = 31
	defaultGraceTimer     = time.Second
	defaultASCooldown     = 30 * time.Second
	defaultInitialDPRate  = 100
	defaultInitialDPBurst = 200
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all capgw environment variables.
const envPrefix = "CAPGW_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}
	var resources string

	fs := flag.NewFlagSet("capgw", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory, or a postgres:// DSN")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", defaultSIPHost, "SIP listen address")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SCTPLocalAddr, "sctp-local", defaultSCTPLocal, "local SCTP address for the M3UA association")
	fs.StringVar(&cfg.SCTPRemoteAddr, "sctp-remote", defaultSCTPRemote, "remote SCTP address of the signalling peer")
	opc := fs.Uint("opc", 1, "own signalling point code")
	dpc := fs.Uint("dpc", 2, "destination signalling point code")
	fs.StringVar(&cfg.LocalGT, "local-gt", "1234567890", "own global title digits")
	fs.StringVar(&cfg.RemoteGT, "remote-gt", "9876543210", "switch global title digits")
	fs.IntVar(&cfg.CAPPhase, "cap-phase", defaultCAPPhase, "CAMEL phase (2, 3 or 4)")
	fs.DurationVar(&cfg.ResetTimerWFI, "reset-timer-wfi", defaultResetWFI, "keep-alive delay while waiting for instructions (<=0 disables)")
	fs.DurationVar(&cfg.ResetTimerWFEUI, "reset-timer-wfeui", defaultResetWFEUI, "keep-alive delay during user interaction (<=0 disables)")
	fs.IntVar(&cfg.ResetTimerValue, "reset-timer-value", defaultResetValue, "Tssf refresh value in seconds")
	fs.DurationVar(&cfg.ActivityTestInterval, "activity-test-interval", defaultActivityTest, "dialog keep-alive period (<=0 disables)")
	fs.StringVar(&cfg.DefaultAction, "default-action", defaultAction, "handling when no application server is reachable (continue, release)")
	fs.IntVar(&cfg.DefaultReleaseCause, "default-release-cause", defaultReleaseCause, "Q.850 cause for default release handling")
	fs.DurationVar(&cfg.GraceTimer, "grace-timer", defaultGraceTimer, "wait before aborting a half-closed dialog")
	fs.DurationVar(&cfg.ASCooldown, "as-cooldown", defaultASCooldown, "exclusion period for an unreachable application server")
	fs.Float64Var(&cfg.InitialDPRate, "initialdp-rate", defaultInitialDPRate, "admitted initial detection points per second (call gapping)")
	fs.IntVar(&cfg.InitialDPBurst, "initialdp-burst", defaultInitialDPBurst, "initial detection point admission burst")
	fs.StringVar(&resources, "resources", "", "comma-separated alias=address media resource mappings")
	fs.StringVar(&cfg.APIToken, "api-token", "", "bearer token required on mutating API requests (empty disables auth)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs)

	cfg.OPC = uint32(*opc)
	cfg.DPC = uint32(*dpc)

	var err error
	cfg.Resources, err = parseResources(resources)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// Invalid env values fall back to the default silently, matching
		// the behavior for unset variables.
		_ = fs.Set(f.Name, val)
	})
}

// parseResources parses "alias=address" pairs separated by commas.
func parseResources(s string) (map[string]string, error) {
	resources := make(map[string]string)
	if s == "" {
		return resources, nil
	}
	for _, pair := range strings.Split(s, ",") {
		alias, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || alias == "" || addr == "" {
			return nil, fmt.Errorf("malformed resource mapping %q (want alias=address)", pair)
		}
		if _, dup := resources[alias]; dup {
			return nil, fmt.Errorf("duplicate resource alias %q", alias)
		}
		resources[alias] = addr
	}
	return resources, nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.CAPPhase < 2 || c.CAPPhase > 4 {
		return fmt.Errorf("cap-phase must be 2, 3 or 4, got %d", c.CAPPhase)
	}
	switch c.DefaultAction {
	case "continue", "release":
	default:
		return fmt.Errorf("default-action must be continue or release, got %q", c.DefaultAction)
	}
	if c.DefaultReleaseCause < 1 || c.DefaultReleaseCause > 127 {
		return fmt.Errorf("default-release-cause must be a Q.850 value between 1 and 127, got %d", c.DefaultReleaseCause)
	}
	if c.InitialDPRate <= 0 {
		return fmt.Errorf("initialdp-rate must be positive, got %v", c.InitialDPRate)
	}
	if c.InitialDPBurst < 1 {
		return fmt.Errorf("initialdp-burst must be at least 1, got %d", c.InitialDPBurst)
	}
	if _, err := strconv.ParseUint(c.LocalGT, 10, 64); err != nil || c.LocalGT == "" {
		return fmt.Errorf("local-gt must be a digit string, got %q", c.LocalGT)
	}
	if _, err := strconv.ParseUint(c.RemoteGT, 10, 64); err != nil || c.RemoteGT == "" {
		return fmt.Errorf("remote-gt must be a digit string, got %q", c.RemoteGT)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
