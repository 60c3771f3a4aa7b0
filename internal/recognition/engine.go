package recognition

import (
	"context"
	"io"
	"log/slog"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// PersonGetter resolves a person by id. Not-found is types.Unknown().
type PersonGetter interface {
	GetByID(ctx context.Context, id int) (types.Person, error)
}

// ThresholdSource supplies the current match threshold.
type ThresholdSource interface {
	Threshold() float64
}

// ThresholdFunc adapts a function to a ThresholdSource.
type ThresholdFunc func() float64

func (f ThresholdFunc) Threshold() float64 { return f() }

// Engine turns frames into match decisions.
type Engine struct {
	cache     *EncodingCache
	extractor Extractor
	roster    PersonGetter
	threshold ThresholdSource
	logger    *slog.Logger
}

func NewEngine(cache *EncodingCache, extractor Extractor, roster PersonGetter, threshold ThresholdSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		cache:     cache,
		extractor: extractor,
		roster:    roster,
		threshold: threshold,
		logger:    logger,
	}
}

// Matches reports whether distance is strictly under threshold.
func Matches(distance, threshold float64) bool {
	return distance < threshold
}

// RecognizeSingle decides on the first face the detector reports in frame.
// Any failure along the way yields types.NoMatch().
func (e *Engine) RecognizeSingle(ctx context.Context, frame types.Frame) types.Decision {
	emb, err := e.extractor.ExtractOne(ctx, frame.Data)
	if err != nil {
		e.logger.Debug("no usable face in frame", "seq", frame.Seq, "error", err)
		return types.NoMatch()
	}
	return e.decide(ctx, emb)
}

// RecognizeAll returns one decision per detected face in detector order.
// A frame with no faces, or one that cannot be processed, yields a single
// no-match decision so callers never see an empty group.
func (e *Engine) RecognizeAll(ctx context.Context, frame types.Frame) []types.Decision {
	embs, err := e.extractor.ExtractAll(ctx, frame.Data)
	if err != nil || len(embs) == 0 {
		if err != nil {
			e.logger.Debug("face extraction failed", "seq", frame.Seq, "error", err)
		}
		return []types.Decision{types.NoMatch()}
	}

	decisions := make([]types.Decision, len(embs))
	for i, emb := range embs {
		decisions[i] = e.decide(ctx, emb)
	}
	return decisions
}

func (e *Engine) decide(ctx context.Context, emb types.Embedding) types.Decision {
	id, dist, ok := e.cache.NearestMatch(emb)
	if !ok {
		return types.NoMatch()
	}
	if !Matches(dist, e.threshold.Threshold()) {
		d := types.NoMatch()
		d.Distance = dist
		return d
	}

	// The roster is the source of truth; the person may have been removed
	// since the cache was built.
	p, err := e.roster.GetByID(ctx, id)
	if err != nil {
		e.logger.Warn("roster lookup failed", "id", id, "error", err)
		return types.NoMatch()
	}
	if p.IsUnknown() {
		return types.NoMatch()
	}
	return types.Decision{Person: p, Distance: dist, Matched: true}
}
