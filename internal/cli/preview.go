// internal/cli/preview.go
package loom

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/loomworks/loom/internal/util"
	"github.com/spf13/cobra"
)

const previewSampleRunes = 160

// previewCmd represents the 'preview' command.
var previewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Preview the automatic pipeline for a document without storing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator(cmd.Context(), getConfig(), args[0])
		if err != nil {
			return err
		}
		if err := orch.Preview(cmd.Context()); err != nil {
			return fmt.Errorf("preview: %w", err)
		}

		run := orch.Snapshot()
		color.Cyan("Preview of %q (chunk mode %s, context mode %s)", args[0], run.ChunkMode, run.ContextMode)
		color.Yellow("Normalized text: %d characters (%d repeated lines removed, %d whitespace runs collapsed)",
			len(run.NormalizedText), run.RemovedRepeatedLineCount, run.CollapsedWhitespaceCount)
		for _, chunk := range run.ContextChunks {
			fmt.Println()
			color.Green("[%d] %d..%d", chunk.Index, chunk.StartOffset, chunk.EndOffset)
			if chunk.ContextHeader != "" {
				color.Blue("%s", util.TruncateRunes(chunk.ContextHeader, previewSampleRunes))
			}
			fmt.Println(util.TruncateRunes(chunk.ChunkText, previewSampleRunes))
		}
		color.Cyan("\n%d chunks total; nothing was stored", len(run.ContextChunks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(previewCmd)
}
