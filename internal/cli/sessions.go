// internal/cli/sessions.go
package loom

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/util"
	"github.com/spf13/cobra"
)

const transcriptWidth = 100

// sessionsCmd groups the remote session management subcommands.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions persisted on the backend",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := backend.New(getConfig()).ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			color.Yellow("No persisted sessions.")
			return nil
		}
		for _, record := range records {
			color.Cyan("%s  %s", record.ID, record.Title)
			fmt.Printf("    %d messages, updated %s\n", record.MessageCount, record.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a persisted session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := backend.New(getConfig()).GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		color.Cyan("%s  %s", record.ID, record.Title)
		for _, msg := range record.Messages {
			fmt.Println()
			color.Green("%s:", msg.Role)
			fmt.Println(util.WrapToWidth(msg.Content, transcriptWidth))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a persisted chat session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backend.New(getConfig()).DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Green("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
