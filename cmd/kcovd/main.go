// Package main provides the kcovd binary: a coverage agent that
// installs breakpoint-style probes at requested addresses and reports
// each probe's first trigger over a control/show socket pair.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RakibFiha/kcov/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "kcovd",
		Short:         "kcovd - first-hit probe coverage agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("kcovd version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
