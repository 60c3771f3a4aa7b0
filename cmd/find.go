package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/gatekeeper/internal/recognition"
	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
	"github.com/andresmejia3/gatekeeper/internal/worker"
	"github.com/spf13/cobra"
)

// FindOptions holds the flags of the find command
type FindOptions struct {
	Threshold float64
	All       bool
}

var findOpts FindOptions

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the people in a photo against the roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd, args[0], findOpts)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.Threshold, "threshold", "t", 0, "Override the recognition threshold (default: current setting)")
	findCmd.Flags().BoolVarP(&findOpts.All, "all", "a", false, "Report every face instead of the first one")
	rootCmd.AddCommand(findCmd)
}

func runFind(cmd *cobra.Command, imagePath string, opts FindOptions) error {
	ctx := cmd.Context()
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	threshold, err := findThreshold(cfg.SettingsPath, opts.Threshold, cmd.Flags().Changed("threshold"))
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	ext := worker.NewExtractor(cfg.Worker.Command, nil)
	defer ext.Close()

	fmt.Fprintln(os.Stderr, "🗄️  Encoding roster...")
	engine, n, err := buildEngine(ctx, DB, ext, threshold)
	if err != nil {
		utils.ShowError("Failed to load roster", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🔍 Matching against %d encodings (threshold %.2f)...\n", n, threshold)

	frame := types.Frame{Data: imgData}
	var decisions []types.Decision
	if opts.All {
		decisions = engine.RecognizeAll(ctx, frame)
	} else {
		decisions = []types.Decision{engine.RecognizeSingle(ctx, frame)}
	}
	return printDecisions(os.Stdout, decisions)
}

// findThreshold returns the --threshold value when given, otherwise the
// saved setting. The settings file is only read.
func findThreshold(path string, flag float64, flagSet bool) (float64, error) {
	if flagSet {
		if !(flag > 0 && flag <= settings.MaxThreshold) {
			return 0, &settings.ValidationError{
				Field:   "threshold",
				Message: fmt.Sprintf("must be in (0, %.1f], got %v", settings.MaxThreshold, flag),
			}
		}
		return flag, nil
	}
	s, err := settings.Read(path)
	if err != nil {
		return 0, err
	}
	return s.Threshold, nil
}

// buildEngine encodes the whole roster and returns an engine over it with a
// fixed threshold, plus the number of people encoded.
func buildEngine(ctx context.Context, roster store.Roster, ext recognition.Extractor, threshold float64) (*recognition.Engine, int, error) {
	people, err := roster.GetAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	cache := recognition.NewEncodingCache(ext, nil)
	n := cache.Rebuild(ctx, people)
	engine := recognition.NewEngine(cache, ext, roster, recognition.ThresholdFunc(func() float64 { return threshold }), nil)
	return engine, n, nil
}

func printDecisions(out io.Writer, decisions []types.Decision) error {
	if len(decisions) == 1 && !decisions[0].Matched {
		fmt.Fprintln(out, "❌ No match found in roster.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tID\tNAME\tCARD\tDISTANCE")
	fmt.Fprintln(w, "----\t--\t----\t----\t--------")
	for i, d := range decisions {
		if !d.Matched {
			fmt.Fprintf(w, "%d\t-\t%s\t-\t-\n", i+1, types.UnknownName)
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%.3f\n", i+1, d.Person.ID, d.Person.Name, d.Person.CardID, d.Distance)
	}
	return w.Flush()
}
