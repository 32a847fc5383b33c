// Command vpnhoodd bootstraps the VPN server data plane core: it wires a
// logger, the access-authority HTTP client, the session manager, and the
// metrics/readiness server, then runs until an interrupt signal.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/vpnhood/tunnelcore/internal/accessauthority"
	"github.com/vpnhood/tunnelcore/internal/analytics"
	"github.com/vpnhood/tunnelcore/internal/config"
	"github.com/vpnhood/tunnelcore/internal/metricsregistry"
	"github.com/vpnhood/tunnelcore/internal/secretkey"
	"github.com/vpnhood/tunnelcore/internal/session"
	"github.com/vpnhood/tunnelcore/internal/udpproxy"
)

// cleanupInterval is the outer cadence RunJob is invoked on; the session
// manager self-debounces the heartbeat portion to once per 10 minutes.
const cleanupInterval = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "vpnhoodd",
		Usage: "VPN server data plane core",
		Flags: config.Flags(),
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.FromCLI(c)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	secretStore := secretkey.NewStore(cfg.ServerSecret)

	client := accessauthority.NewHTTPClient(cfg.AccessAuthorityURL)
	client.APIKey = secretStore.APIKey()

	mgrOpts := session.Options{
		Client:         client,
		Analytics:      analytics.Noop{},
		Log:            &log,
		ServerVersion:  cfg.ServerVersion,
		SessionTimeout: cfg.SessionTimeout,
	}
	if cfg.SharedUDPPool {
		mgrOpts.PoolMode = session.SharedPoolMode
		mgrOpts.SharedPool = udpproxy.New(udpproxy.Options{
			UDPTimeout:     cfg.UDPTimeout,
			WorkerMaxCount: cfg.WorkerMaxCount,
			Filter:         cfg.Filter,
			Log:            &log,
		})
	} else {
		mgrOpts.PoolMode = session.PerSessionPool
		mgrOpts.NewUDPPool = func(handler udpproxy.InboundHandler) *udpproxy.Pool {
			return udpproxy.New(udpproxy.Options{
				UDPTimeout:     cfg.UDPTimeout,
				WorkerMaxCount: cfg.WorkerMaxCount,
				Handler:        handler,
				Filter:         cfg.Filter,
				Log:            &log,
			})
		}
	}

	manager := session.NewManager(mgrOpts)
	defer manager.Dispose()

	listener, err := net.Listen("tcp", cfg.MetricsAddress)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	ready := metricsregistry.NewReadyServer(manager.SessionCount)

	errCh := make(chan error, 1)
	go func() {
		errCh <- metricsregistry.Serve(ctx, listener, metricsregistry.Config{Ready: ready}, &log)
	}()

	runCleanupLoop(ctx, manager, &log)

	log.Info().Msg("shutting down")
	return <-errCh
}

// runCleanupLoop drives RunJob on cleanupInterval until ctx is canceled,
// mirroring the external job runner the spec assumes drives the manager.
func runCleanupLoop(ctx context.Context, manager *session.Manager, log *zerolog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.RunJob(ctx)
			manager.SyncSessions(ctx)
		}
	}
}
