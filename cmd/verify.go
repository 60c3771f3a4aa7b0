package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/gatekeeper/internal/recognition"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every enrolled photo yields a face encoding",
	Long:  "Encodes the whole roster the way the daemon does and lists the people who could never be recognized.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		ext := worker.NewExtractor(cfg.Worker.Command, nil)
		defer ext.Close()

		failed, total, err := runVerify(cmd.Context(), DB, ext, os.Stderr)
		if err != nil {
			return err
		}
		if total == 0 {
			fmt.Println("No persons enrolled.")
			return nil
		}
		if len(failed) == 0 {
			fmt.Printf("✅ All %d persons have a usable encoding.\n", total)
			return nil
		}
		printUnmatchable(os.Stdout, failed)
		return fmt.Errorf("%d of %d persons cannot be recognized", len(failed), total)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// runVerify rebuilds an encoding cache over the roster, drawing progress to
// barOut, and returns the people whose photo produced no encoding.
func runVerify(ctx context.Context, roster store.Roster, ext recognition.Extractor, barOut io.Writer) ([]types.Person, int, error) {
	people, err := roster.GetAll(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list persons: %w", err)
	}
	if len(people) == 0 {
		return nil, 0, nil
	}

	bar := progressbar.NewOptions(len(people),
		progressbar.OptionSetDescription("🔍 Encoding roster"),
		progressbar.OptionSetWriter(barOut),
		progressbar.OptionShowCount(),
	)

	var failed []types.Person
	cache := recognition.NewEncodingCache(ext, nil)
	cache.RebuildWithProgress(ctx, people, func(p types.Person, ok bool) {
		if !ok {
			failed = append(failed, p)
		}
		bar.Add(1)
	})
	bar.Finish()
	fmt.Fprintln(barOut)

	if err := ctx.Err(); err != nil {
		return nil, len(people), err
	}
	return failed, len(people), nil
}

func printUnmatchable(out io.Writer, people []types.Person) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCARD\tPROBLEM")
	fmt.Fprintln(w, "--\t----\t----\t-------")
	for _, p := range people {
		fmt.Fprintf(w, "%d\t%s\t%s\tno face found in photo\n", p.ID, p.Name, p.CardID)
	}
	w.Flush()
}
