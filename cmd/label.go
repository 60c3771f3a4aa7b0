package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <person_id> <name>",
	Short: "Rename an enrolled person",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid person ID", err, nil)
		}
		name := strings.TrimSpace(args[1])

		if err := runLabel(cmd.Context(), DB, id, name); err != nil {
			utils.Die("Failed to rename person", err, nil)
		}
		fmt.Printf("✅ Person %d labeled as '%s'\n", id, name)
		announce(cmd.Context(), events.ActionRenamed, id, "", notify.Neutral)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, roster store.Roster, id int, name string) error {
	return roster.Rename(ctx, id, name)
}
