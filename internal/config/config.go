// Package config defines the flag/env-driven settings cmd/vpnhoodd parses at
// startup. Configuration *file* parsing is explicitly out of scope for this
// core (spec §1); this package only covers the flags needed to wire the
// session manager and UDP proxy pool.
package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vpnhood/tunnelcore/internal/netfilter"
)

const (
	flagAccessAuthorityURL = "access-authority-url"
	flagServerSecret       = "server-secret"
	flagServerVersion      = "server-version"
	flagSessionTimeout     = "session-timeout"
	flagUDPTimeout         = "udp-timeout"
	flagWorkerMaxCount     = "worker-max-count"
	flagMetricsAddress     = "metrics-listen"
	flagSharedUDPPool      = "shared-udp-pool"
	flagFilterDefaultAllow = "udp-filter-default-allow"
	flagFilterRule         = "udp-filter-rule"
)

// Flags returns the urfave/cli flag set cmd/vpnhoodd registers on its App.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagAccessAuthorityURL,
			EnvVars: []string{"VPNHOOD_ACCESS_AUTHORITY_URL"},
			Usage:   "base URL of the Access Authority HTTP API",
		},
		&cli.StringFlag{
			Name:    flagServerSecret,
			EnvVars: []string{"VPNHOOD_SERVER_SECRET"},
			Usage:   "128-byte server secret, hex-encoded",
		},
		&cli.StringFlag{
			Name:    flagServerVersion,
			EnvVars: []string{"VPNHOOD_SERVER_VERSION"},
			Value:   "0.0.0",
			Usage:   "3-part server version reported in analytics and SessionResponse",
		},
		&cli.DurationFlag{
			Name:    flagSessionTimeout,
			EnvVars: []string{"VPNHOOD_SESSION_TIMEOUT"},
			Value:   6 * time.Hour,
			Usage:   "idle duration after which cleanup disposes a session",
		},
		&cli.DurationFlag{
			Name:    flagUDPTimeout,
			EnvVars: []string{"VPNHOOD_UDP_TIMEOUT"},
			Value:   120 * time.Second,
			Usage:   "idle duration after which a UDP proxy worker is reclaimed",
		},
		&cli.IntFlag{
			Name:    flagWorkerMaxCount,
			EnvVars: []string{"VPNHOOD_WORKER_MAX_COUNT"},
			Value:   128,
			Usage:   "maximum UDP proxy workers per pool",
		},
		&cli.StringFlag{
			Name:    flagMetricsAddress,
			EnvVars: []string{"VPNHOOD_METRICS_LISTEN"},
			Value:   "127.0.0.1:0",
			Usage:   "listen address for the /metrics and /ready HTTP endpoints",
		},
		&cli.BoolFlag{
			Name:    flagSharedUDPPool,
			EnvVars: []string{"VPNHOOD_SHARED_UDP_POOL"},
			Usage:   "share one UDP proxy pool across all sessions instead of one per session",
		},
		&cli.BoolFlag{
			Name:    flagFilterDefaultAllow,
			EnvVars: []string{"VPNHOOD_UDP_FILTER_DEFAULT_ALLOW"},
			Value:   true,
			Usage:   "fallback decision when a UDP destination matches no --" + flagFilterRule + " rule",
		},
		&cli.StringSliceFlag{
			Name:    flagFilterRule,
			EnvVars: []string{"VPNHOOD_UDP_FILTER_RULES"},
			Usage:   "repeatable UDP destination filter rule: allow|deny:CIDR[:port[,port...]]",
		},
	}
}

const serverSecretLen = 128

// Config is the resolved set of process-level settings.
type Config struct {
	AccessAuthorityURL string
	ServerSecret       [serverSecretLen]byte
	ServerVersion      string
	SessionTimeout     time.Duration
	UDPTimeout         time.Duration
	WorkerMaxCount     int
	MetricsAddress     string
	SharedUDPPool      bool
	Filter             *netfilter.Policy
}

// FromCLI resolves a Config from a parsed cli.Context.
func FromCLI(c *cli.Context) (Config, error) {
	cfg := Config{
		AccessAuthorityURL: c.String(flagAccessAuthorityURL),
		ServerVersion:      c.String(flagServerVersion),
		SessionTimeout:     c.Duration(flagSessionTimeout),
		UDPTimeout:         c.Duration(flagUDPTimeout),
		WorkerMaxCount:     c.Int(flagWorkerMaxCount),
		MetricsAddress:     c.String(flagMetricsAddress),
		SharedUDPPool:      c.Bool(flagSharedUDPPool),
	}

	if cfg.AccessAuthorityURL == "" {
		return Config{}, fmt.Errorf("--%s is required", flagAccessAuthorityURL)
	}

	secretHex := c.String(flagServerSecret)
	if secretHex == "" {
		return Config{}, fmt.Errorf("--%s is required", flagServerSecret)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return Config{}, fmt.Errorf("--%s: %w", flagServerSecret, err)
	}
	if len(secret) != serverSecretLen {
		return Config{}, fmt.Errorf("--%s must decode to %d bytes, got %d", flagServerSecret, serverSecretLen, len(secret))
	}
	copy(cfg.ServerSecret[:], secret)

	rules := make([]netfilter.Rule, 0, len(c.StringSlice(flagFilterRule)))
	for _, raw := range c.StringSlice(flagFilterRule) {
		rule, err := parseFilterRule(raw)
		if err != nil {
			return Config{}, fmt.Errorf("--%s %q: %w", flagFilterRule, raw, err)
		}
		rules = append(rules, rule)
	}
	filter, err := netfilter.NewPolicy(c.Bool(flagFilterDefaultAllow), rules)
	if err != nil {
		return Config{}, fmt.Errorf("--%s: %w", flagFilterRule, err)
	}
	cfg.Filter = filter

	return cfg, nil
}

// parseFilterRule parses one --udp-filter-rule value of the form
// "allow|deny:CIDR[:port[,port...]]".
func parseFilterRule(raw string) (netfilter.Rule, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return netfilter.Rule{}, fmt.Errorf("expected allow|deny:CIDR[:ports]")
	}

	var allow bool
	switch parts[0] {
	case "allow":
		allow = true
	case "deny":
		allow = false
	default:
		return netfilter.Rule{}, fmt.Errorf("first field must be 'allow' or 'deny', got %q", parts[0])
	}

	var ports []int
	if len(parts) == 3 && parts[2] != "" {
		for _, p := range strings.Split(parts[2], ",") {
			port, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return netfilter.Rule{}, fmt.Errorf("invalid port %q: %w", p, err)
			}
			ports = append(ports, port)
		}
	}

	return netfilter.NewRuleByCIDR(parts[1], ports, allow)
}
