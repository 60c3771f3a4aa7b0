package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/clock"
	"github.com/andresmejia3/gatekeeper/internal/frames"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.Person{ID: 1, CardID: "CARD-A", Name: "Alice"}
	bob   = types.Person{ID: 2, CardID: "CARD-B", Name: "Bob"}
)

func matched(p types.Person) types.Decision {
	return types.Decision{Person: p, Distance: 0.3, Matched: true}
}

type fakeRecognizer struct {
	single types.Decision
	all    []types.Decision
	panics bool
}

func (r *fakeRecognizer) RecognizeSingle(context.Context, types.Frame) types.Decision {
	if r.panics {
		panic("extractor exploded")
	}
	return r.single
}

func (r *fakeRecognizer) RecognizeAll(context.Context, types.Frame) []types.Decision {
	if r.panics {
		panic("extractor exploded")
	}
	return r.all
}

type fakeReader struct {
	mu       sync.Mutex
	enabled  bool
	id       string
	enables  int
	disables int
}

func (r *fakeReader) EnableReading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
	r.enables++
}

func (r *fakeReader) DisableReading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	r.id = ""
	r.disables++
}

func (r *fakeReader) LastID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.id != ""
}

// scan simulates a card presented while reading is enabled.
func (r *fakeReader) scan(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		r.id = id
	}
}

func (r *fakeReader) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

type fakeLock struct {
	mu     sync.Mutex
	cycles []time.Duration
}

func (d *fakeLock) Cycle(hold time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cycles = append(d.cycles, hold)
}

func (d *fakeLock) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cycles)
}

type fixedSettings settings.Settings

func (s fixedSettings) Snapshot() settings.Settings { return settings.Settings(s) }

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Put(m notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Text
	}
	return out
}

type harness struct {
	ctrl   *Controller
	rec    *fakeRecognizer
	reader *fakeReader
	lock   *fakeLock
	sink   *recorder
	clk    *clock.FakeClock
}

func newHarness(t *testing.T, mode settings.Mode) *harness {
	t.Helper()
	s := settings.Default()
	s.Mode = mode
	s.WaitTime = 5
	s.OpenTime = 3

	h := &harness{
		rec:    &fakeRecognizer{},
		reader: &fakeReader{},
		lock:   &fakeLock{},
		sink:   &recorder{},
		clk:    clock.Fake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.ctrl = New(Deps{
		Frames:     frames.New(),
		Recognizer: h.rec,
		Reader:     h.reader,
		Lock:       h.lock,
		Settings:   fixedSettings(s),
		Sink:       h.sink,
		Clock:      h.clk,
	})
	return h
}

func TestSingleUnknownFace(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = types.NoMatch()

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, DeniedUnknown, out)
	assert.Equal(t, []string{"Access denied: person wasn't recognized"}, h.sink.texts())
	assert.Zero(t, h.reader.enables)
	assert.Zero(t, h.lock.count())
}

func TestSingleGrantedAfterCard(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)
	h.clk.OnSleep(func(total time.Duration) {
		if total == 2*time.Second {
			h.reader.scan("CARD-A")
		}
	})

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, Granted, out)
	assert.Equal(t, []string{
		"Recognized: Alice",
		"Please scan your card",
		"Access granted: Alice",
	}, h.sink.texts())
	assert.Equal(t, []time.Duration{3 * time.Second}, h.lock.cycles)
	assert.Len(t, h.clk.Sleeps(), 2)
	assert.False(t, h.reader.isEnabled())
}

func TestSingleCardPromptLastsWaitTime(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)

	h.ctrl.Process(context.Background(), types.Frame{})

	require.GreaterOrEqual(t, len(h.sink.msgs), 2)
	prompt := h.sink.msgs[1]
	assert.Equal(t, notify.Blue, prompt.Color)
	assert.Equal(t, 5*time.Second, prompt.TTL)
}

func TestSingleWrongCard(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)
	h.clk.OnSleep(func(time.Duration) { h.reader.scan("CARD-B") })

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, DeniedMismatch, out)
	assert.Equal(t, "Access denied: wrong card", h.sink.texts()[2])
	assert.Zero(t, h.lock.count())
	assert.False(t, h.reader.isEnabled())
}

func TestSingleTimeout(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, DeniedTimeout, out)
	assert.Equal(t, "Timeout: card not scanned", h.sink.texts()[2])
	assert.Len(t, h.clk.Sleeps(), 5)
	for _, d := range h.clk.Sleeps() {
		assert.Equal(t, time.Second, d)
	}
	assert.Equal(t, 1, h.reader.enables)
	assert.Equal(t, 1, h.reader.disables)
	assert.False(t, h.reader.isEnabled())
	assert.Zero(t, h.lock.count())
}

func TestSingleCardBeforeChallengeIgnored(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)
	h.reader.scan("CARD-A") // reading not enabled yet

	out := h.ctrl.Process(context.Background(), types.Frame{})
	assert.Equal(t, DeniedTimeout, out)
}

func TestGroupAllKnown(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.rec.all = []types.Decision{matched(alice), matched(bob)}

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, GrantedGroup, out)
	assert.Equal(t, []string{"Access granted for all"}, h.sink.texts())
	assert.Equal(t, 1, h.lock.count())
	assert.Zero(t, h.reader.enables)
}

func TestGroupVetoedByUnknown(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.rec.all = []types.Decision{matched(alice), types.NoMatch(), matched(bob)}

	out := h.ctrl.Process(context.Background(), types.Frame{})

	assert.Equal(t, DeniedGroup, out)
	assert.Equal(t, []string{"Access denied: unknown person in group"}, h.sink.texts())
	assert.Zero(t, h.lock.count())
}

func TestGroupNoFacesIsDenied(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.rec.all = []types.Decision{types.NoMatch()}

	assert.Equal(t, DeniedGroup, h.ctrl.Process(context.Background(), types.Frame{}))
}

func TestOneOutcomeNotificationPerCycle(t *testing.T) {
	outcomes := map[string]bool{
		"Access denied: person wasn't recognized": true,
		"Timeout: card not scanned":               true,
		"Access denied: wrong card":               true,
		"Access granted: Alice":                   true,
		"Access granted for all":                  true,
		"Access denied: unknown person in group":  true,
	}
	cases := []struct {
		mode   settings.Mode
		single types.Decision
		all    []types.Decision
		card   string
	}{
		{settings.ModeSingle, types.NoMatch(), nil, ""},
		{settings.ModeSingle, matched(alice), nil, ""},
		{settings.ModeSingle, matched(alice), nil, "CARD-B"},
		{settings.ModeSingle, matched(alice), nil, "CARD-A"},
		{settings.ModeMultiple, types.Decision{}, []types.Decision{matched(alice)}, ""},
		{settings.ModeMultiple, types.Decision{}, []types.Decision{types.NoMatch()}, ""},
	}
	for _, tc := range cases {
		h := newHarness(t, tc.mode)
		h.rec.single = tc.single
		h.rec.all = tc.all
		if tc.card != "" {
			h.clk.OnSleep(func(time.Duration) { h.reader.scan(tc.card) })
		}

		h.ctrl.Process(context.Background(), types.Frame{})

		n := 0
		for _, text := range h.sink.texts() {
			if outcomes[text] {
				n++
			}
		}
		assert.Equal(t, 1, n, "mode=%s texts=%v", tc.mode, h.sink.texts())
	}
}

func TestStatsCountOutcomes(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.rec.all = []types.Decision{matched(alice)}
	h.ctrl.Process(context.Background(), types.Frame{})
	h.ctrl.Process(context.Background(), types.Frame{})
	h.rec.all = []types.Decision{types.NoMatch()}
	h.ctrl.Process(context.Background(), types.Frame{})

	st := h.ctrl.Stats()
	assert.Equal(t, uint64(3), st.Cycles)
	assert.Equal(t, uint64(2), st.Outcomes[GrantedGroup])
	assert.Equal(t, uint64(1), st.Outcomes[DeniedGroup])
	assert.Equal(t, DeniedGroup, st.LastOutcome)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestStepWithoutFrame(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.ctrl.d.PollTimeout = 10 * time.Millisecond

	_, ok := h.ctrl.Step(context.Background())
	assert.False(t, ok)
	assert.Empty(t, h.sink.texts())
}

func TestRunSurvivesPanickingCycle(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	h.rec.panics = true
	ch := frames.New()
	h.ctrl.d.Frames = ch
	h.ctrl.d.PollTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	ch.Publish(types.Frame{Data: []byte("x")})
	assert.Eventually(t, func() bool { return ch.Stats().Taken == 1 }, time.Second, 5*time.Millisecond)

	ch.Publish(types.Frame{Data: []byte("y")})
	assert.Eventually(t, func() bool { return ch.Stats().Taken == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.ctrl.Running())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.False(t, h.ctrl.Running())
}

func TestPanicDuringCardWaitDisablesReading(t *testing.T) {
	h := newHarness(t, settings.ModeSingle)
	h.rec.single = matched(alice)
	h.clk.OnSleep(func(time.Duration) { panic("reader exploded") })
	ch := frames.New()
	h.ctrl.d.Frames = ch
	ch.Publish(types.Frame{Data: []byte("x")})

	assert.NotPanics(t, func() { h.ctrl.safeStep(context.Background()) })
	assert.Equal(t, 1, h.reader.enables)
	assert.Equal(t, 1, h.reader.disables)
	assert.False(t, h.reader.isEnabled())
	assert.Equal(t, Idle, h.ctrl.State())
	assert.Zero(t, h.lock.count())
}

func TestHealthCheckEndpoint_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	server := NewHealthServer(h.ctrl, Probes{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	server.healthCheckHandler(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthCheckReportsProbes(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	server := NewHealthServer(h.ctrl, Probes{
		Reader:       func() string { return "connected" },
		CacheEntries: func() int { return 3 },
		Frames:       func() frames.Stats { return frames.Stats{Published: 10, Taken: 4, Dropped: 6} },
	}, nil)

	h.ctrl.running.Store(true)
	w := httptest.NewRecorder()
	server.healthCheckHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Reader)
	require.NotNil(t, resp.CacheEntries)
	assert.Equal(t, 3, *resp.CacheEntries)
	require.NotNil(t, resp.Frames)
	assert.Equal(t, uint64(6), resp.Frames.Dropped)
}

func TestHealthCheckUnhealthyWhenStopped(t *testing.T) {
	h := newHarness(t, settings.ModeMultiple)
	server := NewHealthServer(h.ctrl, Probes{}, nil)

	w := httptest.NewRecorder()
	server.healthCheckHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp.Status)
}
