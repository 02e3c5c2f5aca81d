package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scriptd/internal/storage"
)

func executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec", "history"},
		Short:   "Inspect and cancel script runs",
	}

	var scriptID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api.ListExecutions(cmd.Context(), scriptID, storage.Status(status), limit)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, headStyle.Render("ID")+"\t"+headStyle.Render("SCRIPT")+"\t"+
				headStyle.Render("STATUS")+"\t"+headStyle.Render("EXIT")+"\t"+headStyle.Render("STARTED")+"\t"+
				headStyle.Render("DURATION"))
			for _, e := range resp.Executions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.ScriptName, statusText(string(e.Status)),
					exitText(e.ExitCode), e.StartedAt.Local().Format("2006-01-02 15:04:05"), duration(e))
			}
			w.Flush()
			return nil
		},
	}
	list.Flags().StringVar(&scriptID, "script", "", "Only runs of this script id")
	list.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed, cancelled)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an execution with its captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := api.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get execution: %w", err)
			}
			fmt.Println(titleStyle.Render(e.ScriptName + " " + e.ID))
			fmt.Printf("%s %s\n", keyStyle.Render("status"), statusText(string(e.Status)))
			fmt.Printf("%s %s\n", keyStyle.Render("exit code"), exitText(e.ExitCode))
			fmt.Printf("%s %s\n", keyStyle.Render("started"), e.StartedAt.Local().Format(time.RFC3339))
			fmt.Printf("%s %s\n", keyStyle.Render("duration"), duration(e.Execution))
			if e.Output != "" {
				fmt.Println()
				fmt.Println(headStyle.Render("stdout"))
				fmt.Print(e.Output)
			}
			if e.Error != "" {
				fmt.Println()
				fmt.Println(headStyle.Render("stderr"))
				fmt.Print(e.Error)
			}
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Stop a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.CancelExecution(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to cancel execution: %w", err)
			}
			fmt.Printf("%s cancelled %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, cancel)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show script and execution counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := api.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to fetch stats: %w", err)
			}
			fmt.Println(titleStyle.Render("scriptd stats"))
			fmt.Printf("  %s %d\n", keyStyle.Render("scripts"), s.TotalScripts)
			fmt.Printf("  %s %d\n", keyStyle.Render("executions"), s.TotalExecutions)
			fmt.Printf("  %s %s\n", keyStyle.Render("successful"), okStyle.Render(fmt.Sprint(s.SuccessfulExecutions)))
			fmt.Printf("  %s %s\n", keyStyle.Render("failed"), failStyle.Render(fmt.Sprint(s.FailedExecutions)))
			fmt.Printf("  %s %d\n", keyStyle.Render("cancelled"), s.CancelledExecutions)
			fmt.Printf("  %s %d (%d live)\n", keyStyle.Render("running"), s.RunningExecutions, s.ActiveRuns)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := api.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if h.Status == "ok" {
				fmt.Println(okStyle.Render("● ok"))
			} else {
				fmt.Println(failStyle.Render("● " + h.Status))
			}
			fmt.Printf("  %s %t\n", keyStyle.Render("database"), h.Database)
			fmt.Printf("  %s %d\n", keyStyle.Render("active runs"), h.ActiveRuns)
			fmt.Printf("  %s %s\n", keyStyle.Render("uptime"), h.Uptime)
			return nil
		},
	}
}

func exitText(code *int) string {
	if code == nil {
		return dimStyle.Render("-")
	}
	return fmt.Sprint(*code)
}

func duration(e storage.Execution) string {
	if e.CompletedAt == nil {
		return dimStyle.Render(time.Since(e.StartedAt).Round(time.Second).String() + "+")
	}
	return e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
}
