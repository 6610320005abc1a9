package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "monkeys",
	Short: "Hierarchical task orchestration for a crew of engineering workers",
	Long: `monkeys turns one product requirement into a small software artifact.

A pipeline of engineering tasks is run by role-specialized workers. A
coordinator routes tasks that have no static assignee, every task runs under
its worker's timeout and retry budget, and the terminal task's output is
written to the output directory.`,
	SilenceUsage: true,
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/monkeys.json"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to the process configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error, production)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workersCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the development logger at the requested level, or the
// production JSON logger for "production". An empty level keeps the config
// default and an unknown level is an error.
func newLogger(level string) (*zap.Logger, error) {
	if level == "production" {
		return zap.NewProductionConfig().Build()
	}
	zc := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
