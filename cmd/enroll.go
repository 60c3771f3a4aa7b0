package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/reader"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
	"github.com/andresmejia3/gatekeeper/internal/worker"
	"github.com/spf13/cobra"
)

// EnrollOptions holds the flags of the enroll command
type EnrollOptions struct {
	Name          string
	CardID        string
	ImagePath     string
	Scan          bool
	ScanTimeout   time.Duration
	SkipFaceCheck bool
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add a person to the roster",
	Long:  "Adds a person with a reference photo and a card. With --scan the card id is read from the card reader.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateEnrollFlags(&enrollOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Person's name")
	enrollCmd.Flags().StringVarP(&enrollOpts.CardID, "card", "k", "", "Card id")
	enrollCmd.Flags().StringVarP(&enrollOpts.ImagePath, "image", "i", "", "Path to a JPEG photo of the person's face")
	enrollCmd.Flags().BoolVarP(&enrollOpts.Scan, "scan", "s", false, "Read the card id from the card reader")
	enrollCmd.Flags().DurationVar(&enrollOpts.ScanTimeout, "scan-timeout", 30*time.Second, "How long to wait for a card with --scan")
	enrollCmd.Flags().BoolVar(&enrollOpts.SkipFaceCheck, "skip-face-check", false, "Do not verify that the photo contains a face")

	enrollCmd.MarkFlagRequired("name")
	enrollCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(opts *EnrollOptions) error {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.CardID = strings.TrimSpace(opts.CardID)

	if opts.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if opts.ImagePath == "" {
		return fmt.Errorf("image path is required")
	}
	if opts.Scan && opts.CardID != "" {
		return fmt.Errorf("--card and --scan are mutually exclusive")
	}
	if !opts.Scan && opts.CardID == "" {
		return fmt.Errorf("a card id is required (use --card or --scan)")
	}
	if opts.Scan && opts.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive, got %s", opts.ScanTimeout)
	}
	return nil
}

func runEnroll(ctx context.Context, opts EnrollOptions) error {
	img, err := os.ReadFile(opts.ImagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	var faces faceChecker
	if !opts.SkipFaceCheck {
		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		ext := worker.NewExtractor(cfg.Worker.Command, nil)
		defer ext.Close()
		faces = ext
	}

	if opts.Scan {
		fmt.Fprintln(os.Stderr, "💳 Please scan the card...")
		opts.CardID, err = scanCard(ctx, opts.ScanTimeout)
		if err != nil {
			utils.ShowError("Card scan failed", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💳 Card %s read\n", opts.CardID)
	}

	p, err := enrollPerson(ctx, DB, faces, types.Person{Name: opts.Name, CardID: opts.CardID, Image: img})
	if err != nil {
		utils.ShowError("Failed to enroll person", err, nil)
		return err
	}

	fmt.Printf("✅ Enrolled %s (ID: %d, card: %s)\n", p.Name, p.ID, p.CardID)
	announce(ctx, events.ActionAdded, p.ID, fmt.Sprintf("Person %s added", p.Name), notify.Mint)
	return nil
}

// faceChecker is the part of the extractor enrollment needs.
type faceChecker interface {
	ExtractOne(ctx context.Context, img []byte) (types.Embedding, error)
}

// enrollPerson stores p after checking that its photo is usable. A nil
// checker skips the face check.
func enrollPerson(ctx context.Context, roster store.Roster, faces faceChecker, p types.Person) (types.Person, error) {
	if faces != nil {
		if _, err := faces.ExtractOne(ctx, p.Image); err != nil {
			if errors.Is(err, worker.ErrNoFace) {
				return types.Person{}, fmt.Errorf("the photo does not contain a recognizable face")
			}
			return types.Person{}, fmt.Errorf("failed to analyze photo: %w", err)
		}
	}

	if existing, err := roster.GetByCardID(ctx, p.CardID); err != nil {
		return types.Person{}, err
	} else if !existing.IsUnknown() {
		fmt.Fprintf(os.Stderr, "⚠️  Card %s is already assigned to %s (ID: %d)\n", p.CardID, existing.Name, existing.ID)
	}

	return roster.Add(ctx, p)
}

// scanCard waits for one card on the configured reader.
func scanCard(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h := reader.New(reader.NewSerialOpener(cfg.Reader.Baud), reader.Options{
		PortName:      cfg.Reader.Port,
		RetryInterval: cfg.Reader.RetryInterval,
	})
	return awaitCard(ctx, h, func(ctx context.Context) { h.Run(ctx) })
}

// cardSource is the part of the reader handle used to capture one card.
type cardSource interface {
	EnableReading()
	DisableReading()
	SetListener(fn func(cardID string))
}

// awaitCard enables reading, runs the reader loop and returns the first id
// delivered to the listener.
func awaitCard(ctx context.Context, src cardSource, run func(ctx context.Context)) (string, error) {
	ids := make(chan string, 1)
	src.SetListener(func(id string) {
		select {
		case ids <- id:
		default:
		}
	})
	src.EnableReading()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(runCtx)
	}()
	defer func() {
		stop()
		<-done
		src.DisableReading()
		src.SetListener(nil)
	}()

	select {
	case id := <-ids:
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no card scanned: %w", ctx.Err())
	}
}
