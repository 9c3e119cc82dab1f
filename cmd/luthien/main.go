package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien/internal/cli"
)

// Set by compiler via -ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "luthien",
	Short: "Luthien - in-line control plane for LLM API traffic",
	Long: `Luthien sits between clients and an LLM backend, speaks the OpenAI and
Anthropic chat dialects on the front, and runs every request and response
through the configured policy before anything reaches the other side.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is the common case, not an error.
		_ = godotenv.Load()
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Luthien\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(cli.ServeCommand())
	rootCmd.AddCommand(cli.TailCommand())
	rootCmd.AddCommand(cli.PolicyCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
