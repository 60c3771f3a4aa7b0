package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/andresmejia3/gatekeeper/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetRoster   bool
	resetSettings bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Roster, Settings)",
	Long:  "Clears stored state. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetRoster && !resetSettings {
			resetRoster = true
			resetSettings = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetRoster {
			if confirm(reader, "⚠️  Are you sure you want to delete every enrolled person?") {
				fmt.Println("🗑️  Clearing Roster...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset roster", err, nil)
				}
				announce(cmd.Context(), events.ActionReset, 0, "", notify.Neutral)
			}
		}

		if resetSettings {
			if confirm(reader, "⚠️  Are you sure you want to restore the default access settings?") {
				fmt.Println("🗑️  Restoring Settings...")
				if err := restoreSettings(cfg.SettingsPath); err != nil {
					utils.Die("Failed to restore settings", err, nil)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetRoster, "roster", false, "Delete every enrolled person")
	resetCmd.Flags().BoolVar(&resetSettings, "settings", false, "Restore default access settings")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// restoreSettings writes the default policy in place, so a running daemon
// picks it up through its settings watcher.
func restoreSettings(path string) error {
	st, err := settings.Load(path, nil)
	if err != nil {
		// An unreadable file is replaced outright.
		if rerr := os.Remove(path); rerr != nil {
			return err
		}
		if st, err = settings.Load(path, nil); err != nil {
			return err
		}
	}
	return st.Change(settings.Default())
}
