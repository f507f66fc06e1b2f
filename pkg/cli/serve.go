// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/pipeline"
	"github.com/telekom/mail-dispatch/pkg/system"
	"github.com/telekom/mail-dispatch/pkg/telemetry"
	"github.com/telekom/mail-dispatch/pkg/version"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume mail events and deliver them until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return &pipeline.StartupError{Code: pipeline.ExitConfig, Err: err}
			}

			logger, err := system.NewLogger(opts.debug)
			if err != nil {
				return &pipeline.StartupError{Code: pipeline.ExitConfig, Err: err}
			}
			defer func() { _ = logger.Sync() }()
			log := logger.Sugar()
			log.With("version", version.Version, "commit", version.GitCommit).Info("Starting mail-dispatch")

			if opts.debug {
				log.Debugf("%#v", redacted(cfg))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger.Named("telemetry").Sugar())
			if err != nil {
				return &pipeline.StartupError{Code: pipeline.ExitConfig, Err: err}
			}
			defer func() {
				if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
					log.Warnw("Failed to flush traces", "error", err.Error())
				}
			}()

			svc, err := pipeline.New(ctx, cfg, logger, opts.debug)
			if err != nil {
				log.Errorw("Startup failed", "error", err.Error(), "exitCode", pipeline.ExitCode(err))
				return err
			}
			if err := svc.Run(ctx); err != nil {
				return fmt.Errorf("mail-dispatch stopped: %w", err)
			}
			return nil
		},
	}
}

// redacted strips values that should not appear in debug logs.
func redacted(cfg config.Config) config.Config {
	if cfg.Idempotency.RedisURL != "" {
		cfg.Idempotency.RedisURL = "<redacted>"
	}
	return cfg
}
