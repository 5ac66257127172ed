package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sebas/callbridge/internal/app"
	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/config"
	"github.com/sebas/callbridge/internal/identity"
	"github.com/sebas/callbridge/internal/logger"
)

// Exit codes
const (
	exitFailure     = 1
	exitBadConfig   = 2
	serviceBannerID = "MATRIX <-> SIP CALL BRIDGE"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *identity.StartupConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(exitBadConfig)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		flags      config.Flags
	)

	root := &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridge Matrix VoIP calls to SIP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the INI configuration file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "loglevel", "", "Log level (debug, info, warn, error)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, flags)
			if err != nil {
				return err
			}
			return runBridge(cmd.Context(), cfg)
		},
	}
	run.Flags().StringVar(&flags.Listen, "listen", "", "HTTP listen address for the application service API")
	run.Flags().IntVar(&flags.SIPPort, "sip-port", 0, "SIP listening port")

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			banner.Fprint(cmd.OutOrStdout(), serviceBannerID, app.Summary(cfg))
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

func runBridge(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closer, err := logger.Init(logger.Options{
		Level: cfg.Logging.Level,
		File: &logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Level:      logger.ParseLevel(cfg.Logging.Level),
		},
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	gin.SetMode(gin.ReleaseMode)

	bridge, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	banner.Fprint(os.Stdout, serviceBannerID, app.Summary(cfg))

	err = bridge.Run(ctx)
	if err != nil {
		slog.Error("[App] Bridge stopped with error", "error", err)
	}
	return err
}
