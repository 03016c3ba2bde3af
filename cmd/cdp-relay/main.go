// Command cdp-relay runs the CDP relay gateway: a device registry, a Chrome
// instance pool, the CDP relay bridge, and the HTTP upgrade dispatcher that
// ties them together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/cdp-relay/internal/config"
	"github.com/neboloop/cdp-relay/internal/logging"
	"github.com/neboloop/cdp-relay/internal/pool"
	"github.com/neboloop/cdp-relay/internal/registry"
	"github.com/neboloop/cdp-relay/internal/relay"
	"github.com/neboloop/cdp-relay/internal/server"
	"github.com/neboloop/cdp-relay/internal/telemetry"
)

var (
	flagConfigFile       string
	flagPort             int
	flagToken            string
	flagMaxInstances     int
	flagInstanceTimeout  int
	flagInactiveCheckMin int
	flagCDPLogging       bool
	flagExecutablePath   string
	flagHeadless         bool
	flagNoSandbox        bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdp-relay",
		Short: "CDP relay gateway: pairs CDP clients with registered extension devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.Flags().StringVar(&flagConfigFile, "config", "", "path to a YAML config file")
	cmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port to listen on (default 3000)")
	cmd.Flags().StringVar(&flagToken, "token", "", "shared secret required by the legacy launch path")
	cmd.Flags().IntVar(&flagMaxInstances, "max-instances", 0, "maximum concurrent Chrome instances (default 10)")
	cmd.Flags().IntVar(&flagInstanceTimeout, "instance-timeout", 0, "idle Chrome instance eviction in minutes (default 60)")
	cmd.Flags().IntVar(&flagInactiveCheckMin, "inactive-check-interval", 0, "idle sweep interval in minutes (default 5)")
	cmd.Flags().BoolVar(&flagCDPLogging, "cdp-logging", false, "enable verbose (debug-level) CDP traffic logging")
	cmd.Flags().StringVar(&flagExecutablePath, "executable-path", "", "override the discovered Chrome/Chromium executable")
	cmd.Flags().BoolVar(&flagHeadless, "headless", false, "launch Chrome instances headless")
	cmd.Flags().BoolVar(&flagNoSandbox, "no-sandbox", false, "launch Chrome instances with sandboxing disabled")

	return cmd
}

func run() error {
	cfg := config.Default()
	cfg, err := config.LoadFile(cfg, flagConfigFile)
	if err != nil {
		return err
	}
	cfg, err = config.ApplyEnv(cfg)
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(logging.Options{
		FilePath: cfg.LogFile,
		Verbose:  cfg.CDPLogging,
	})
	defer func() { _ = log.Sync() }()

	promReg := prometheus.NewRegistry()
	metrics := telemetry.New(promReg)

	deviceRegistry := registry.New(log, metrics)
	defer deviceRegistry.Shutdown()

	bridge := relay.New(deviceRegistry, log, metrics)

	chromePool, err := pool.New(pool.Config{
		MaxInstances:          cfg.MaxInstances,
		InstanceTimeout:       cfg.InstanceTimeout(),
		InactiveCheckInterval: cfg.InactiveCheckInterval(),
		ExecutablePath:        cfg.ExecutablePath,
		Headless:              cfg.Headless,
		NoSandbox:             cfg.NoSandbox,
		DataDir:               cfg.DataDir,
	}, log, metrics)
	if err != nil {
		log.Warn("chrome executable not found; legacy launch path disabled", zap.Error(err))
		chromePool = nil
	} else {
		defer chromePool.Shutdown()
	}

	srv := server.New(cfg, log, deviceRegistry, bridge, chromePool, metrics, promReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})

	log.Info("cdp-relay starting", zap.Int("port", cfg.Port), zap.Int("max_instances", cfg.MaxInstances))
	return group.Wait()
}

func applyFlagOverrides(cfg *config.Config) {
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if flagMaxInstances != 0 {
		cfg.MaxInstances = flagMaxInstances
	}
	if flagInstanceTimeout != 0 {
		cfg.InstanceTimeoutMin = flagInstanceTimeout
	}
	if flagInactiveCheckMin != 0 {
		cfg.InactiveCheckMin = flagInactiveCheckMin
	}
	if flagCDPLogging {
		cfg.CDPLogging = true
	}
	if flagExecutablePath != "" {
		cfg.ExecutablePath = flagExecutablePath
	}
	if flagHeadless {
		cfg.Headless = true
	}
	if flagNoSandbox {
		cfg.NoSandbox = true
	}
}
