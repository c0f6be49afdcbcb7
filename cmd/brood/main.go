// Command brood runs the autonomous project orchestrator: a pipeline of
// periodic agents that turn approved specifications into verified code.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"brood/internal/config"
	"brood/internal/logging"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "brood",
		Short:         "Autonomous multi-agent project orchestrator",
		Long:          "brood turns markdown specifications into working code through a pipeline of autonomous agents: pre-analysis, task decomposition, parallel execution and verification.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to the configuration file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newProjectsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(logging.INFO)
	return cfg, nil
}
