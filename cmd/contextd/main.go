// Package main is the contextd CLI: the serve command runs the daemon, the
// rest talk to a running instance over its local HTTP API.
//
// Basic usage:
//
//	contextd serve --config contextd.yaml
//	contextd tools list
//	contextd tail -n 50 --acts review_cycle
//
// The config path can also come from the CONTEXTD_CONFIG environment
// variable; without either, built-in defaults apply.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "contextd",
		Short:         "Local-first assistant daemon",
		Long:          "contextd mediates between a chat UI and an OpenAI-compatible model endpoint,\nadding guarded tool execution, answer review and a durable event log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildTailCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("contextd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath picks the config file: explicit flag, then the
// CONTEXTD_CONFIG environment variable, then contextd.yaml when present.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONTEXTD_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("contextd.yaml"); err == nil {
		return "contextd.yaml"
	}
	return ""
}
