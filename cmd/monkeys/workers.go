package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the worker registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		skills, registry, err := loadRegistry(cfg, logger)
		if err != nil {
			return err
		}

		coordinator := registry.Coordinator().RoleID
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tTITLE\tTIMEOUT\tRETRIES\tSANDBOX\tTOOLS")
		for _, wk := range registry.List() {
			id := wk.RoleID
			if id == coordinator {
				id += " *"
			}
			sandbox := "-"
			if wk.Capabilities.CanExecuteCode {
				sandbox = string(wk.Capabilities.SandboxMode)
			}
			tools := strings.Join(skills.WorkerToolNames(wk.RoleID), ",")
			if tools == "" {
				tools = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				id, wk.Profile.Role, wk.Capabilities.MaxExecution, wk.Capabilities.MaxRetries, sandbox, tools)
		}
		return w.Flush()
	},
}
