// Package config manages pinhole-agent configuration using koanf/v2,
// layering CLI flags over environment variables over defaults.
package config

import (
	"errors"
	"fmt"
	"net/netip"

	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds the complete pinhole-agent configuration (spec §6).
type Config struct {
	Iface            string `koanf:"iface"`
	ControllerIP     string `koanf:"ip"`
	ControllerHost   string `koanf:"host"`
	ControllerPort   uint16 `koanf:"port"`
	GRPCPort         uint16 `koanf:"grpc-port"`
	UpdateTimeNS     uint64 `koanf:"update-time"`
	RuleTimeoutNS    uint64 `koanf:"rule-timeout"`
	CleanupIntervalS uint32 `koanf:"cleanup-interval"`
	ChannelSize      int    `koanf:"channel-size"`
	CertPEM          string `koanf:"cert-pem"`
	CertKey          string `koanf:"cert-key"`
	CertCA           string `koanf:"cert-ca"`
}

// ControllerAddr resolves the controller address to verify RPC peers
// against. --host is accepted but not resolved: this deployment
// always binds the controller by its static IPv4 address (spec §6
// Non-goals; dynamic DNS resolution for --host is out of scope).
func (c *Config) ControllerAddr() (netip.Addr, error) {
	if c.ControllerHost != "" {
		return netip.Addr{}, fmt.Errorf("controller host %q: %w", c.ControllerHost, ErrHostFlagUnsupported)
	}
	addr, err := netip.ParseAddr(c.ControllerIP)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse controller ip %q: %w", c.ControllerIP, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("controller ip %q: %w", c.ControllerIP, ErrControllerNotIPv4)
	}
	return addr, nil
}

// DefaultConfig returns a Config populated with the defaults from spec §6.
func DefaultConfig() *Config {
	return &Config{
		Iface:            "eth0",
		ControllerIP:     "172.21.0.5",
		ControllerPort:   443,
		GRPCPort:         50001,
		UpdateTimeNS:     1_000_000_000,
		RuleTimeoutNS:    60_000_000_000,
		CleanupIntervalS: 30,
		ChannelSize:      16,
		CertPEM:          "certs/agent.pem",
		CertKey:          "certs/agent.key",
		CertCA:           "certs/ca.pem",
	}
}

// envPrefix is the environment variable prefix for pinhole-agent
// configuration. Variables are named PINHOLE_<FLAG>, e.g. PINHOLE_IFACE.
const envPrefix = "PINHOLE_"

// FlagSet builds the pflag.FlagSet describing every CLI flag in spec §6,
// seeded with defaults. Load uses it both to parse os.Args and as the
// posflag provider's source of defaults and long-flag names.
func FlagSet(args []string) (*pflag.FlagSet, error) {
	defaults := DefaultConfig()

	fs := pflag.NewFlagSet("pinhole-agent", pflag.ContinueOnError)
	fs.StringP("iface", "i", defaults.Iface, "interface to attach to")
	fs.StringP("ip", "c", defaults.ControllerIP, "controller IPv4")
	fs.String("host", "", "controller hostname (not resolved; setting it makes startup fail)")
	fs.Uint16P("port", "p", defaults.ControllerPort, "controller control-channel port (CONTROLLER_PORT)")
	fs.Uint16P("grpc-port", "g", defaults.GRPCPort, "RPC listen port")
	fs.Uint64P("update-time", "n", defaults.UpdateTimeNS, "LAZY_UPDATE_TIMEOUT in nanoseconds")
	fs.Uint64P("rule-timeout", "r", defaults.RuleTimeoutNS, "idle rule expiry in nanoseconds")
	fs.Uint32("cleanup-interval", defaults.CleanupIntervalS, "reaper period in seconds")
	fs.Int("channel-size", defaults.ChannelSize, "broadcaster subscriber channel capacity")
	fs.String("cert-pem", defaults.CertPEM, "mTLS server certificate path")
	fs.String("cert-key", defaults.CertKey, "mTLS server key path")
	fs.String("cert-ca", defaults.CertCA, "mTLS client CA bundle path")

	// Unknown flags are ignored rather than rejected; they are not logged.
	fs.ParseErrorsWhitelist.UnknownFlags = true

	if err := fs.Parse(args); err != nil {
		// pflag special-cases "-h"/"--help" ahead of the unknown-flags
		// whitelist and returns pflag.ErrHelp after printing usage;
		// propagate it unwrapped so callers can exit 0 on help.
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	return fs, nil
}

// Load layers CLI flags (highest priority) over PINHOLE_* environment
// variables over DefaultConfig(), then validates the result. If args
// requests --help, Load returns pflag.ErrHelp after usage has already
// been printed; callers must treat that as a clean exit(0), not a
// configuration failure.
func Load(args []string) (*Config, error) {
	fs, err := FlagSet(args)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, fmt.Errorf("load flag overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms PINHOLE_GRPC_PORT -> grpc-port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", "-")
}

// Validation errors.
var (
	ErrEmptyIface            = errors.New("iface must not be empty")
	ErrInvalidControllerIP   = errors.New("ip must be a valid IPv4 address")
	ErrHostFlagUnsupported   = errors.New("--host is accepted but hostname resolution is not implemented")
	ErrControllerNotIPv4     = errors.New("controller address must be IPv4")
	ErrInvalidControllerPort = errors.New("port must be nonzero")
	ErrInvalidGRPCPort       = errors.New("grpc-port must be nonzero")
	ErrInvalidUpdateTime     = errors.New("update-time must be > 0")
	ErrInvalidRuleTimeout    = errors.New("rule-timeout must be > 0")
	ErrInvalidCleanupPeriod  = errors.New("cleanup-interval must be > 0")
	ErrInvalidChannelSize    = errors.New("channel-size must be > 0")
	ErrMissingCertMaterial   = errors.New("cert-pem, cert-key, and cert-ca must all be set")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered. When --host is set, Validate skips
// the --ip check and does not reject --host itself; ControllerAddr is what
// reports ErrHostFlagUnsupported, since resolution is not implemented.
func Validate(cfg *Config) error {
	if cfg.Iface == "" {
		return ErrEmptyIface
	}

	if cfg.ControllerHost == "" {
		if _, err := netip.ParseAddr(cfg.ControllerIP); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidControllerIP, err)
		}
	}

	if cfg.ControllerPort == 0 {
		return ErrInvalidControllerPort
	}

	if cfg.GRPCPort == 0 {
		return ErrInvalidGRPCPort
	}

	if cfg.UpdateTimeNS == 0 {
		return ErrInvalidUpdateTime
	}

	if cfg.RuleTimeoutNS == 0 {
		return ErrInvalidRuleTimeout
	}

	if cfg.CleanupIntervalS == 0 {
		return ErrInvalidCleanupPeriod
	}

	if cfg.ChannelSize <= 0 {
		return ErrInvalidChannelSize
	}

	if cfg.CertPEM == "" || cfg.CertKey == "" || cfg.CertCA == "" {
		return ErrMissingCertMaterial
	}

	return nil
}
