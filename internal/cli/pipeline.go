// internal/cli/pipeline.go
package loom

import (
	"context"

	"github.com/loomworks/loom/cli"
	"github.com/spf13/cobra"
)

// pipelineCmd represents the 'pipeline' command.
var pipelineCmd = &cobra.Command{
	Use:   "pipeline <file>",
	Short: "Review a document through the ingestion pipeline",
	Long:  `The 'pipeline' command extracts a document and opens the interactive stage view: normalize, chunk, contextualize, and ingest, with per-stage runs and interrupts.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(cmd.Context())
		cli.StartPipelineUI(ctx, getConfig(), cancel, args[0])
	},
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
}
