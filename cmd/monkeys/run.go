package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/config"
	"github.com/nidhogg/code-monkeys/internal/crew"
)

var requirementPath string

// errRunFailed makes the process exit non-zero after the report is printed.
var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for the requirement file",
	Long: `Run reads the requirement file, drives every task of the pipeline and
writes the terminal task's artifacts to the output directory.

On success the written artifacts are listed. On failure the failing task,
its error kind and the retries spent are printed and the exit code is 1.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVarP(&requirementPath, "requirement", "r", "", "Requirement file (default from config)")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if requirementPath != "" {
		cfg.Crew.Requirement = requirementPath
	}
	requirement, err := config.LoadRequirement(cfg.Crew.Requirement)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.crew.Kickoff(ctx, requirement)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), crew.Describe(res))
	if !res.Succeeded() {
		logger.Error("run failed", zap.String("run", res.RunID), zap.String("status", string(res.Report.Status)))
		return errRunFailed
	}
	return nil
}
