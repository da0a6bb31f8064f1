// Command aitalk-service serves AITalk speech synthesis over HTTP, WebSocket
// and NATS.
package main

import (
	"fmt"
	"os"

	"github.com/book-expert/aitalk-service/internal/config"
	"github.com/book-expert/logger"
	"github.com/spf13/cobra"
)

const (
	bootstrapLogFile = "aitalk-service-bootstrap.log"
	serviceLogFile   = "aitalk-service.log"
)

var version = "dev"

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// loadConfig loads the configuration with a bootstrap logger, then opens the
// service logger under the configured log directory.
func loadConfig(cfgFile string) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, nil, err
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(cfgFile, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, err
	}

	return cfg, finalLog, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "aitalk-service",
		Short: "AITalk speech synthesis service",
		Long: `aitalk-service drives one or more aitalked engine libraries and exposes
them through an HTTP/WebSocket gateway and a NATS worker.

Without a subcommand the service is started.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (default: central configurator)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the service",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, cfgFile)
			},
		},
		&cobra.Command{
			Use:   "voices",
			Short: "List installed voices",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runVoices(cmd, cfgFile)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "aitalk-service %s\n", version)
			},
		},
	)

	return root
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
