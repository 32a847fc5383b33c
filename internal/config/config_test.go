package config_test

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/vpnhood/tunnelcore/internal/config"
)

func runWithArgs(t *testing.T, args []string) (config.Config, error) {
	t.Helper()
	var got config.Config
	var gotErr error

	app := &cli.App{
		Flags: config.Flags(),
		Action: func(c *cli.Context) error {
			got, gotErr = config.FromCLI(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"vpnhoodd"}, args...)))
	return got, gotErr
}

func TestFromCLIRequiresAccessAuthorityURL(t *testing.T) {
	_, err := runWithArgs(t, []string{"--server-secret", strings.Repeat("ab", 128)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "access-authority-url")
}

func TestFromCLIRequiresValidServerSecretLength(t *testing.T) {
	_, err := runWithArgs(t, []string{
		"--access-authority-url", "https://authority.example",
		"--server-secret", "ab",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "128 bytes")
}

func TestFromCLIHappyPath(t *testing.T) {
	cfg, err := runWithArgs(t, []string{
		"--access-authority-url", "https://authority.example",
		"--server-secret", strings.Repeat("ab", 128),
		"--server-version", "1.2.3",
		"--worker-max-count", "64",
	})
	require.NoError(t, err)
	require.Equal(t, "https://authority.example", cfg.AccessAuthorityURL)
	require.Equal(t, "1.2.3", cfg.ServerVersion)
	require.Equal(t, 64, cfg.WorkerMaxCount)
	require.Equal(t, byte(0xab), cfg.ServerSecret[0])
	require.NotNil(t, cfg.Filter, "a default allow-all policy must always be populated")
	allow, matched := cfg.Filter.Allowed(net.ParseIP("8.8.8.8"), 53)
	require.True(t, allow)
	require.Nil(t, matched)
}

func TestFromCLIParsesFilterRules(t *testing.T) {
	cfg, err := runWithArgs(t, []string{
		"--access-authority-url", "https://authority.example",
		"--server-secret", strings.Repeat("ab", 128),
		"--udp-filter-default-allow=true",
		"--udp-filter-rule", "deny:10.0.0.0/8",
		"--udp-filter-rule", "allow:93.184.216.0/24:53,123",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Filter)

	allow, matched := cfg.Filter.Allowed(net.ParseIP("10.1.2.3"), 53)
	require.False(t, allow)
	require.NotNil(t, matched)

	allow, matched = cfg.Filter.Allowed(net.ParseIP("93.184.216.34"), 53)
	require.True(t, allow)
	require.NotNil(t, matched)

	allow, matched = cfg.Filter.Allowed(net.ParseIP("93.184.216.34"), 999)
	require.True(t, allow, "unmatched port on a port-scoped rule falls through to the default")
	require.Nil(t, matched)
}

func TestFromCLIRejectsMalformedFilterRule(t *testing.T) {
	_, err := runWithArgs(t, []string{
		"--access-authority-url", "https://authority.example",
		"--server-secret", strings.Repeat("ab", 128),
		"--udp-filter-rule", "bogus-rule",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "udp-filter-rule")
}
