package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scriptd/internal/client"
)

var (
	serverURL string
	apiKey    string
	api       *client.Client
)

func main() {
	root := &cobra.Command{
		Use:   "scriptctl",
		Short: "CLI client for the scriptd shell script manager",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api = client.New(serverURL, apiKey)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("SCRIPTD_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SCRIPTD_API_KEY"), "API key")

	root.AddCommand(scriptsCmd(), runCmd(), executionsCmd(), statsCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, failStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
