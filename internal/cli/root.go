// Package cli implements the scribescope command line.
package cli

import (
	"github.com/scribescope/backend/internal/logging"
	"github.com/spf13/cobra"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string
	BuildTime string
}

// NewRootCommand builds the scribescope command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scribescope",
		Short: "Batch reverse image search",
		Long: `ScribeScope uploads images to a reverse image search service one at a
time and collects where each image was found, who made it and under which
license it was published.`,
		Version:       info.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			json, _ := cmd.Flags().GetBool("json")
			return logging.Setup(level, json)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json", false, "Output logs in JSON")

	rootCmd.AddCommand(newServeCmd(info))
	rootCmd.AddCommand(newSearchCmd())

	return rootCmd
}

// Execute runs the root command with os.Args.
func Execute(info BuildInfo) error {
	return NewRootCommand(info).Execute()
}

