package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/spf13/cobra"
)

var removeYes bool

var removeCmd = &cobra.Command{
	Use:   "remove <person_id>",
	Short: "Remove a person from the roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid person ID %q: %w", args[0], err)
		}
		cmd.SilenceUsage = true

		ctx := cmd.Context()
		p, err := DB.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up person: %w", err)
		}
		if p.IsUnknown() {
			return fmt.Errorf("person %d: %w", id, store.ErrNotFound)
		}

		prompt := fmt.Sprintf("⚠️  Remove %s (card %s) from the roster?", p.Name, p.CardID)
		if !removeYes && !confirm(bufio.NewReader(os.Stdin), prompt) {
			fmt.Println("Aborted.")
			return nil
		}

		if err := runRemove(ctx, DB, p); err != nil {
			return err
		}
		fmt.Printf("🗑️  Removed %s (ID: %d)\n", p.Name, p.ID)
		announce(ctx, events.ActionRemoved, p.ID, fmt.Sprintf("Person %s removed", p.Name), notify.Rose)
		return nil
	},
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(ctx context.Context, roster store.Roster, p types.Person) error {
	if err := roster.Remove(ctx, p.ID); err != nil {
		return fmt.Errorf("failed to remove person %d: %w", p.ID, err)
	}
	return nil
}
