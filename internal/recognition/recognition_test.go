package recognition

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExtractor maps image bytes to embeddings.
type fakeExtractor struct {
	mu    sync.Mutex
	faces map[string][]types.Embedding
	err   error
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{faces: map[string][]types.Embedding{}}
}

func (f *fakeExtractor) set(img string, embs ...types.Embedding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faces[img] = embs
}

func (f *fakeExtractor) ExtractAll(_ context.Context, img []byte) ([]types.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[string(img)], nil
}

func (f *fakeExtractor) ExtractOne(ctx context.Context, img []byte) (types.Embedding, error) {
	all, err := f.ExtractAll(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errors.New("no face")
	}
	return all[0], nil
}

// fakeRoster is an in-memory roster.
type fakeRoster struct {
	mu     sync.Mutex
	people map[int]types.Person
	err    error
}

func newFakeRoster(people ...types.Person) *fakeRoster {
	r := &fakeRoster{people: map[int]types.Person{}}
	for _, p := range people {
		r.people[p.ID] = p
	}
	return r
}

func (r *fakeRoster) GetAll(context.Context) ([]types.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []types.Person
	for _, p := range r.people {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRoster) GetByID(_ context.Context, id int) (types.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.Person{}, r.err
	}
	p, ok := r.people[id]
	if !ok {
		return types.Unknown(), nil
	}
	return p, nil
}

func (r *fakeRoster) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.people, id)
}

func person(id int, name, img string) types.Person {
	return types.Person{ID: id, Name: name, CardID: name + "-card", Image: []byte(img)}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(types.Embedding{0, 0}, types.Embedding{3, 4}), 1e-12)
	assert.Equal(t, 0.0, Distance(types.Embedding{1, 2}, types.Embedding{1, 2}))
}

func TestMatchesIsStrict(t *testing.T) {
	assert.True(t, Matches(0.79, 0.8))
	assert.False(t, Matches(0.8, 0.8))
	assert.False(t, Matches(0.81, 0.8))
}

func TestRebuildOmitsUnextractable(t *testing.T) {
	ext := newFakeExtractor()
	ext.set("alice.jpg", types.Embedding{0, 0})
	ext.set("bob.jpg", types.Embedding{1, 0})
	// carol.jpg has no face

	c := NewEncodingCache(ext, nil)
	n := c.Rebuild(context.Background(), []types.Person{
		person(1, "alice", "alice.jpg"),
		person(2, "bob", "bob.jpg"),
		person(3, "carol", "carol.jpg"),
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, c.IDs())

	// A later rebuild replaces membership entirely.
	c.Rebuild(context.Background(), []types.Person{person(2, "bob", "bob.jpg")})
	assert.Equal(t, []int{2}, c.IDs())
}

func TestNearestMatch(t *testing.T) {
	ext := newFakeExtractor()
	ext.set("a", types.Embedding{0, 0})
	ext.set("b", types.Embedding{10, 0})
	ext.set("short", types.Embedding{1})

	c := NewEncodingCache(ext, nil)
	_, _, ok := c.NearestMatch(types.Embedding{0, 0})
	assert.False(t, ok, "empty cache never matches")

	c.Rebuild(context.Background(), []types.Person{person(1, "a", "a"), person(2, "b", "b"), person(3, "s", "short")})

	id, d, ok := c.NearestMatch(types.Embedding{9, 0})
	require.True(t, ok)
	assert.Equal(t, 2, id)
	assert.InDelta(t, 1.0, d, 1e-12)
}

func TestRebuildCancelledKeepsPrevious(t *testing.T) {
	ext := newFakeExtractor()
	ext.set("a", types.Embedding{0})
	c := NewEncodingCache(ext, nil)
	c.Rebuild(context.Background(), []types.Person{person(1, "a", "a")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Rebuild(ctx, []types.Person{person(2, "b", "a")})
	assert.Equal(t, []int{1}, c.IDs())
}

func newEngine(threshold float64, people ...types.Person) (*Engine, *fakeExtractor, *fakeRoster) {
	ext := newFakeExtractor()
	roster := newFakeRoster(people...)
	cache := NewEncodingCache(ext, nil)
	return NewEngine(cache, ext, roster, ThresholdFunc(func() float64 { return threshold }), nil), ext, roster
}

func TestRecognizeSingleThresholdBoundary(t *testing.T) {
	alice := person(1, "alice", "alice.jpg")
	e, ext, _ := newEngine(0.8, alice)
	ext.set("alice.jpg", types.Embedding{0, 0})
	e.cache.Rebuild(context.Background(), []types.Person{alice})

	tests := []struct {
		name    string
		probe   types.Embedding
		matched bool
	}{
		{"just under threshold", types.Embedding{0.79, 0}, true},
		{"at threshold", types.Embedding{0.8, 0}, false},
		{"over threshold", types.Embedding{0.81, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext.set("frame", tt.probe)
			d := e.RecognizeSingle(context.Background(), types.Frame{Data: []byte("frame")})
			assert.Equal(t, tt.matched, d.Matched)
			if tt.matched {
				assert.Equal(t, "alice", d.Person.Name)
				assert.InDelta(t, tt.probe[0], d.Distance, 1e-12)
			} else {
				assert.True(t, d.Person.IsUnknown())
			}
		})
	}
}

func TestRecognizeSingleEmptyCache(t *testing.T) {
	e, ext, _ := newEngine(2.5)
	ext.set("frame", types.Embedding{0, 0})
	d := e.RecognizeSingle(context.Background(), types.Frame{Data: []byte("frame")})
	assert.False(t, d.Matched)
}

func TestRecognizeSingleUsesFirstFace(t *testing.T) {
	alice, bob := person(1, "alice", "a"), person(2, "bob", "b")
	e, ext, _ := newEngine(0.5, alice, bob)
	ext.set("a", types.Embedding{0, 0})
	ext.set("b", types.Embedding{5, 5})
	e.cache.Rebuild(context.Background(), []types.Person{alice, bob})

	ext.set("frame", types.Embedding{5, 5}, types.Embedding{0, 0})
	d := e.RecognizeSingle(context.Background(), types.Frame{Data: []byte("frame")})
	require.True(t, d.Matched)
	assert.Equal(t, "bob", d.Person.Name)
}

func TestRecognizeSingleRemovedPerson(t *testing.T) {
	alice := person(1, "alice", "a")
	e, ext, roster := newEngine(0.5, alice)
	ext.set("a", types.Embedding{0, 0})
	e.cache.Rebuild(context.Background(), []types.Person{alice})

	roster.remove(1)
	ext.set("frame", types.Embedding{0, 0})
	d := e.RecognizeSingle(context.Background(), types.Frame{Data: []byte("frame")})
	assert.False(t, d.Matched, "a cache hit for a removed person must not grant")
}

func TestRecognizeSingleExtractorFailure(t *testing.T) {
	e, ext, _ := newEngine(0.5)
	ext.err = errors.New("worker crashed")
	d := e.RecognizeSingle(context.Background(), types.Frame{Data: []byte("frame")})
	assert.Equal(t, types.NoMatch(), d)
}

func TestRecognizeAll(t *testing.T) {
	alice, bob := person(1, "alice", "a"), person(2, "bob", "b")
	e, ext, _ := newEngine(0.5, alice, bob)
	ext.set("a", types.Embedding{0, 0})
	ext.set("b", types.Embedding{5, 5})
	e.cache.Rebuild(context.Background(), []types.Person{alice, bob})

	ext.set("group", types.Embedding{0.1, 0}, types.Embedding{5, 5.1}, types.Embedding{20, 20})
	ds := e.RecognizeAll(context.Background(), types.Frame{Data: []byte("group")})
	require.Len(t, ds, 3)
	assert.Equal(t, "alice", ds[0].Person.Name)
	assert.Equal(t, "bob", ds[1].Person.Name)
	assert.False(t, ds[2].Matched)

	ds = e.RecognizeAll(context.Background(), types.Frame{Data: []byte("empty")})
	require.Len(t, ds, 1, "zero faces yields exactly one no-match")
	assert.False(t, ds[0].Matched)
}

func TestWatchRebuildsOnChange(t *testing.T) {
	ext := newFakeExtractor()
	ext.set("a", types.Embedding{0})
	ext.set("b", types.Embedding{1})
	roster := newFakeRoster(person(1, "a", "a"))
	c := NewEncodingCache(ext, nil)

	changes := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, changes, roster)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	roster.mu.Lock()
	roster.people[2] = person(2, "b", "b")
	roster.mu.Unlock()
	changes <- struct{}{}
	assert.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond)

	// A failing roster keeps the previous cache.
	roster.mu.Lock()
	roster.err = errors.New("db down")
	roster.mu.Unlock()
	changes <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.Len())

	cancel()
	<-done
}

func TestNoMatchDecision(t *testing.T) {
	d := types.NoMatch()
	assert.False(t, d.Matched)
	assert.Equal(t, types.UnknownID, d.Person.ID)
	assert.False(t, math.IsNaN(d.Distance))
}
