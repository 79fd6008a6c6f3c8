package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "finrouter",
		Short: "finrouter routes personal finance conversations to analysis nodes",
		Long: `finrouter classifies chat messages, resolves the user's financial stage and
runs the matching analysis nodes. It serves HTTP and gRPC, and can run single
turns or statement imports from the command line.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "YAML config file (FINROUTER_* variables override it)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newIngestCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration named by the persistent flags and builds the
// logger.
func setup(cmd *cobra.Command) (config.Config, *logging.ZapLogger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
