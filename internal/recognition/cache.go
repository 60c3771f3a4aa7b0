// Package recognition matches faces seen by the camera against the
// enrolled roster. The EncodingCache keeps one embedding per person and is
// rebuilt wholesale whenever the roster changes; the Engine turns frames
// into Decisions against the current threshold.
package recognition

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Extractor computes face embeddings from JPEG images.
type Extractor interface {
	ExtractOne(ctx context.Context, img []byte) (types.Embedding, error)
	ExtractAll(ctx context.Context, img []byte) ([]types.Embedding, error)
}

// RosterReader lists the enrolled people.
type RosterReader interface {
	GetAll(ctx context.Context) ([]types.Person, error)
}

// EncodingCache maps person id to reference embedding. Readers see either
// the old or the new map during a rebuild, never a mix.
type EncodingCache struct {
	extractor Extractor
	logger    *slog.Logger

	entries   atomic.Pointer[map[int]types.Embedding]
	rebuildMu sync.Mutex
}

func NewEncodingCache(extractor Extractor, logger *slog.Logger) *EncodingCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &EncodingCache{extractor: extractor, logger: logger}
	empty := map[int]types.Embedding{}
	c.entries.Store(&empty)
	return c
}

// Rebuild extracts one embedding per person and swaps the result in.
// People whose photo yields no face are left out. It returns the number
// of entries built.
func (c *EncodingCache) Rebuild(ctx context.Context, roster []types.Person) int {
	return c.RebuildWithProgress(ctx, roster, nil)
}

// RebuildWithProgress is Rebuild with a callback after each person,
// reporting whether an embedding was produced.
func (c *EncodingCache) RebuildWithProgress(ctx context.Context, roster []types.Person, progress func(p types.Person, ok bool)) int {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	next := make(map[int]types.Embedding, len(roster))
	for _, p := range roster {
		if ctx.Err() != nil {
			// A cancelled rebuild must not replace a complete cache with a partial one.
			return c.Len()
		}
		emb, err := c.extractor.ExtractOne(ctx, p.Image)
		ok := err == nil && len(emb) > 0
		if ok {
			next[p.ID] = emb
		} else {
			c.logger.Debug("no encoding for person", "id", p.ID, "name", p.Name, "error", err)
		}
		if progress != nil {
			progress(p, ok)
		}
	}

	c.entries.Store(&next)
	c.logger.Info("encoding cache rebuilt", "people", len(roster), "encodings", len(next))
	return len(next)
}

// Len returns the number of cached embeddings.
func (c *EncodingCache) Len() int {
	return len(*c.entries.Load())
}

// IDs returns the cached person ids in ascending order.
func (c *EncodingCache) IDs() []int {
	m := *c.entries.Load()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NearestMatch returns the cached person closest to vec by Euclidean
// distance. ok is false when the cache holds no comparable embedding.
func (c *EncodingCache) NearestMatch(vec types.Embedding) (id int, distance float64, ok bool) {
	m := *c.entries.Load()
	best := math.Inf(1)
	bestID := types.UnknownID
	for pid, ref := range m {
		if len(ref) != len(vec) {
			continue
		}
		d := Distance(ref, vec)
		// Ties go to the lower id so results do not depend on map order.
		if d < best || (d == best && pid < bestID) {
			best, bestID = d, pid
		}
	}
	if bestID == types.UnknownID {
		return types.UnknownID, 0, false
	}
	return bestID, best, true
}

// Watch rebuilds from roster once, then again after every signal on
// changes, until ctx is done or changes is closed. A failed roster read
// keeps the previous cache.
func (c *EncodingCache) Watch(ctx context.Context, changes <-chan struct{}, roster RosterReader) {
	c.refresh(ctx, roster)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			c.refresh(ctx, roster)
		}
	}
}

func (c *EncodingCache) refresh(ctx context.Context, roster RosterReader) {
	people, err := roster.GetAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("roster read failed, keeping previous encodings", "error", err)
		}
		return
	}
	c.Rebuild(ctx, people)
}

// Distance is the Euclidean distance between two equal-length embeddings.
func Distance(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
