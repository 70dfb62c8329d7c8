// internal/cli/extract.go
package loom

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/loomworks/loom/internal/extract"
	"github.com/loomworks/loom/internal/util"
	"github.com/spf13/cobra"
)

var extractOutPath string

// extractCmd represents the 'extract' command.
var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract a document's plain text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := extract.NewExtractor().File(args[0])
		if err != nil {
			return fmt.Errorf("extract %s: %w", args[0], err)
		}

		if extractOutPath != "" {
			if err := util.WriteFile(extractOutPath, []byte(text)); err != nil {
				return fmt.Errorf("write %s: %w", extractOutPath, err)
			}
			color.Green("Extracted %d characters from %s to %s", len(text), args[0], extractOutPath)
			return nil
		}

		fmt.Print(text)
		color.Green("\nExtracted %d characters from %s", len(text), args[0])
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutPath, "out", "o", "", "write the extracted text to a file instead of stdout")
	rootCmd.AddCommand(extractCmd)
}
