package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/spf13/cobra"
)

// SettingsOptions holds the flags of the settings command
type SettingsOptions struct {
	Threshold float64
	Mode      string
	OpenTime  float64
	WaitTime  int
}

var settingsOpts SettingsOptions

var settingsCmd = &cobra.Command{
	Use:         "settings",
	Short:       "Show or change the access settings",
	Long:        "Without flags, prints the current access settings. With flags, validates and saves the new values; a running daemon picks them up immediately.",
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		st, err := settings.Load(cfg.SettingsPath, nil)
		if err != nil {
			return err
		}

		next := mergeSettings(st.Snapshot(), settingsOpts, cmd.Flags().Changed)
		if next != st.Snapshot() {
			if err := st.Change(next); err != nil {
				var verr *settings.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(os.Stderr, "❌ Rejected: %s. Settings unchanged.\n", verr.Message)
				}
				return err
			}
			fmt.Fprintln(os.Stderr, "✅ Settings saved.")
		}
		return printSettings(os.Stdout, st.Path(), st.Snapshot())
	},
}

func init() {
	settingsCmd.Flags().Float64VarP(&settingsOpts.Threshold, "threshold", "t", 0, "Recognition threshold, in (0, 2.5] (lower is stricter)")
	settingsCmd.Flags().StringVarP(&settingsOpts.Mode, "mode", "m", "", `Working mode: "single" (face + card) or "multiple" (every face known)`)
	settingsCmd.Flags().Float64Var(&settingsOpts.OpenTime, "open-time", 0, "Seconds the door stays open after a grant")
	settingsCmd.Flags().IntVar(&settingsOpts.WaitTime, "wait-time", 0, "Seconds to wait for a card in single mode")
	rootCmd.AddCommand(settingsCmd)
}

// mergeSettings overlays the flags the user actually set onto cur.
func mergeSettings(cur settings.Settings, opts SettingsOptions, changed func(name string) bool) settings.Settings {
	next := cur
	if changed("threshold") {
		next.Threshold = opts.Threshold
	}
	if changed("mode") {
		next.Mode = settings.Mode(opts.Mode)
	}
	if changed("open-time") {
		next.OpenTime = opts.OpenTime
	}
	if changed("wait-time") {
		next.WaitTime = opts.WaitTime
	}
	return next
}

func printSettings(out io.Writer, path string, s settings.Settings) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "FILE\t%s\n", path)
	fmt.Fprintf(w, "THRESHOLD\t%.2f\n", s.Threshold)
	fmt.Fprintf(w, "MODE\t%s\n", s.Mode)
	fmt.Fprintf(w, "OPEN TIME\t%s\n", s.OpenDuration())
	fmt.Fprintf(w, "WAIT TIME\t%s\n", s.WaitDuration())
	return w.Flush()
}
