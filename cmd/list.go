package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List everyone enrolled in the roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), DB, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, roster store.Roster, out io.Writer) error {
	people, err := roster.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persons: %w", err)
	}

	if len(people) == 0 {
		fmt.Fprintln(out, "No persons enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCARD\tENROLLED")
	fmt.Fprintln(w, "--\t----\t----\t--------")

	for _, p := range people {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.CardID, p.EnrolledAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
