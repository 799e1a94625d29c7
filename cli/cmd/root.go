// Package cmd contains CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	pipelineFile string
	verbose      bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - HTTP request correlation for distributed tracing",
	Long: `weft attaches trace context to inbound requests, propagates it across
middleware boundaries, and exports spans describing request handling.

Examples:
  # Run the demo pipeline with the in-memory sink
  weft serve

  # Run against an OTLP collector
  WEFT_EXPORTER=otlp WEFT_OTLP_ENDPOINT=localhost:4317 weft serve

  # Run with a YAML pipeline file
  weft serve --pipeline pipeline.yaml
`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
