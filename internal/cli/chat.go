// internal/cli/chat.go
package loom

import (
	"context"

	"github.com/loomworks/loom/cli"
	"github.com/spf13/cobra"
)

// chatCmd represents the 'chat' command.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start a retrieval-augmented chat session",
	Long:  `The 'chat' command starts an interactive chat session against the configured project, streaming answers with ranked source citations.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(cmd.Context())
		cli.StartChatUI(ctx, getConfig(), cancel)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
