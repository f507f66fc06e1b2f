// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/pipeline"
)

const defaultEnvFile = ".env"

type options struct {
	configPath string
	envFile    string
	debug      bool
}

// NewRootCommand builds the mail-dispatch command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "mail-dispatch",
		Short:         "Deliver transactional mail events from Kafka through an SMTP relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return loadEnv(opts.envFile, cmd.Flags().Changed("env-file"))
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default $"+config.ConfigPathEnv+" or ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "Dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug level logging")

	root.AddCommand(
		newServeCommand(opts),
		newRenderCommand(),
		NewVersionCommand(),
	)
	return root
}

// loadEnv reads a dotenv file without overriding variables already set. A
// missing default file is not an error.
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
	}
	return pipeline.ExitCode(err)
}
