package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"scriptd/internal/executor"
)

// exitError carries the script's exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "script exited with status " + strconv.Itoa(e.code)
}

func runCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <script-id>",
		Short: "Run a script and stream its output",
		Long: `Runs a stored script on the server and streams stdout and stderr as they
are produced. Ctrl-C detaches from the stream; the run continues on the server.
The command exits with the script's exit code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var execID string
			final, err := api.Run(ctx, args[0], func(ev executor.Event) {
				if execID == "" && ev.ExecutionID != "" {
					execID = ev.ExecutionID
					if !quiet {
						fmt.Fprintln(os.Stderr, dimStyle.Render("execution "+execID))
					}
				}
				switch ev.Type {
				case executor.EventStdout:
					fmt.Fprint(os.Stdout, ev.Data)
				case executor.EventStderr:
					fmt.Fprint(os.Stderr, ev.Data)
				}
			})
			if err != nil {
				if ctx.Err() != nil {
					fmt.Fprintln(os.Stderr, warnStyle.Render("detached, run continues on the server"))
					return nil
				}
				return fmt.Errorf("run failed: %w", err)
			}

			if final.Type == executor.EventError {
				fmt.Fprintln(os.Stderr, failStyle.Render("error: ")+final.Data)
				return &exitError{code: 1}
			}
			if !quiet {
				fmt.Fprintln(os.Stderr, statusText(final.Data))
			}
			return exitFor(context.WithoutCancel(ctx), execID, final.Data)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print script output")
	return cmd
}

// exitFor mirrors the run's exit code when the record has one.
func exitFor(ctx context.Context, execID, status string) error {
	if status == "completed" {
		return nil
	}
	if execID != "" {
		if rec, err := api.GetExecution(ctx, execID); err == nil && rec.ExitCode != nil && *rec.ExitCode != 0 {
			return &exitError{code: *rec.ExitCode}
		}
	}
	return &exitError{code: 1}
}
