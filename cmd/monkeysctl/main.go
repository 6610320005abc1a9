package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/code-monkeys/internal/config"
	"github.com/nidhogg/code-monkeys/internal/crew"
)

var (
	server       string
	pollInterval time.Duration
	timeout      time.Duration
)

var client = &http.Client{Timeout: 30 * time.Second}

var rootCmd = &cobra.Command{
	Use:          "monkeysctl",
	Short:        "Submit requirements to a running monkeys server",
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit <requirement-file>",
	Short: "Submit a requirement file and wait for the run to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requirement, err := config.LoadRequirement(args[0])
		if err != nil {
			return err
		}
		var accepted map[string]string
		if err := do(http.MethodPost, "/api/runs", map[string]string{"requirement": requirement}, http.StatusAccepted, &accepted); err != nil {
			return err
		}
		id := accepted["run_id"]
		fmt.Printf("Run %s submitted\n", id)
		info, err := wait(id)
		if err != nil {
			return err
		}
		printRun(info)
		if !info.Succeeded {
			return fmt.Errorf("run %s did not succeed", id)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var info crew.RunInfo
		if err := do(http.MethodGet, "/api/runs/"+args[0], nil, http.StatusOK, &info); err != nil {
			return err
		}
		printRun(info)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the runs of the server process",
	RunE: func(cmd *cobra.Command, args []string) error {
		var runs []crew.RunInfo
		if err := do(http.MethodGet, "/api/runs", nil, http.StatusOK, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-8s  %-9s  %s\n", r.ID, r.State, orDash(string(r.Status)), truncate(r.Requirement, 60))
		}
		return nil
	},
}

func init() {
	defaultServer := os.Getenv("MONKEYS_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:3210"
	}
	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", defaultServer, "monkeys server URL")
	submitCmd.Flags().DurationVar(&pollInterval, "poll", 2*time.Second, "Polling interval")
	submitCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Hour, "Give up waiting after this long")

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// wait polls the run until it leaves the queued and running states.
func wait(id string) (crew.RunInfo, error) {
	deadline := time.Now().Add(timeout)
	var last crew.RunState
	for {
		var info crew.RunInfo
		if err := do(http.MethodGet, "/api/runs/"+id, nil, http.StatusOK, &info); err != nil {
			return info, err
		}
		if info.State != last {
			fmt.Printf("  %s\n", info.State)
			last = info.State
		}
		if info.State == crew.StateFinished || info.State == crew.StateError {
			return info, nil
		}
		if time.Now().After(deadline) {
			return info, fmt.Errorf("run %s still %s after %s", id, info.State, timeout)
		}
		time.Sleep(pollInterval)
	}
}

func do(method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(server, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printRun(info crew.RunInfo) {
	fmt.Printf("Run %s: %s", info.ID, info.State)
	if info.Status != "" {
		fmt.Printf(" (%s)", info.Status)
	}
	fmt.Println()
	if info.Error != "" {
		fmt.Printf("  error: %s\n", info.Error)
	}
	if r := info.Report; r != nil && r.Failure != nil {
		fmt.Printf("  failed task: %s [%s] after %d retries: %s\n",
			r.Failure.TaskID, r.Failure.Kind, r.Failure.Retries, r.Failure.Message)
	}
	for _, w := range info.Written {
		fmt.Printf("  wrote %s\n", w)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
