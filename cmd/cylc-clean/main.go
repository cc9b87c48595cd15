// Command cylc-clean removes a stopped workflow's run directory, locally
// and (for distributed runs) on every remote platform it submitted jobs
// to, per spec.md's Clean subsystem.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s cmd/shoal/main.go
// flag/logger bootstrap shape, and on
// _examples/original_source/cylc/flow/clean.py's wholesale-vs-targeted
// clean split and remote_clean's shuffled-platform SSH fan-out, re-
// expressed with internal/clean and the system ssh binary (os/exec).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"cylcd/internal/clean"
	"cylcd/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		runDir      string
		rmPatterns  []string
		localOnly   bool
		symlinkDirs []string
		platforms   []string
	)

	cmd := &cobra.Command{
		Use:   "cylc-clean WORKFLOW_ID",
		Short: "Remove a stopped workflow's run directory, locally and on its remote platforms",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			workflowID := args[0]
			logger := logging.New(logging.Config{Level: "info", Format: "text"})
			slog.SetDefault(logger)

			wfDir := filepath.Join(runDir, workflowID)
			if err := clean.Clean(wfDir, rmPatterns, symlinkDirs); err != nil {
				return fmt.Errorf("local clean: %w", err)
			}
			logger.Info("local clean complete", "workflow", workflowID, "run_dir", wfDir)

			if localOnly || len(platforms) == 0 {
				return nil
			}

			installTargets := map[string][]string{}
			for _, p := range platforms {
				installTargets[p] = append(installTargets[p], p)
			}
			err := clean.RemoteClean(c.Context(), workflowID, installTargets, rmPatterns, 120, sshCleanRunner)
			if err != nil {
				return fmt.Errorf("remote clean: %w", err)
			}
			logger.Info("remote clean complete", "workflow", workflowID, "targets", len(installTargets))
			return nil
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", os.ExpandEnv("$HOME/cylc-run"), "workflow run directory root")
	cmd.Flags().StringSliceVar(&rmPatterns, "rm", nil, "glob pattern(s) to remove instead of the whole run dir")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "skip remote cleaning")
	cmd.Flags().StringSliceVar(&symlinkDirs, "symlink-dir", nil, "workflow symlink dirs relative to the run dir")
	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "remote platform(s) to clean on")
	return cmd
}

// sshCleanRunner runs the built clean command on platform over SSH,
// returning its exit code (spec.md: "rc==255 retries next platform").
func sshCleanRunner(ctx context.Context, platform string, cmdArgs []string) (int, error) {
	full := append([]string{platform}, cmdArgs...)
	c := exec.CommandContext(ctx, "ssh", full...)
	err := c.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 255, err
	}
	return 0, nil
}
