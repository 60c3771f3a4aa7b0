// Package controller is the access decision loop. It takes the latest
// camera frame, asks the match engine who is in it, runs the single-person
// (face then card) or group (every face known) protocol, and drives the
// lock on a grant. Every cycle ends in exactly one outcome notification.
package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/clock"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/andresmejia3/gatekeeper/internal/settings"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/google/uuid"
)

// cardPollInterval is the spacing of LastID polls during a card challenge.
const cardPollInterval = time.Second

// FrameSource yields the most recent camera frame.
type FrameSource interface {
	Take(ctx context.Context, timeout time.Duration) (types.Frame, bool)
}

// Recognizer matches faces in a frame against the roster.
type Recognizer interface {
	RecognizeSingle(ctx context.Context, frame types.Frame) types.Decision
	RecognizeAll(ctx context.Context, frame types.Frame) []types.Decision
}

// CardReader is the reader handshake used during a card challenge.
type CardReader interface {
	EnableReading()
	DisableReading()
	LastID() (string, bool)
}

// Lock runs one open, hold, close cycle.
type Lock interface {
	Cycle(hold time.Duration)
}

// SettingsSource supplies the current access policy.
type SettingsSource interface {
	Snapshot() settings.Settings
}

// State is where the controller is in its cycle.
type State int32

const (
	Idle State = iota
	AwaitingFrame
	Deciding
	SingleChallenge
	GroupDecision
	Actuating
)

var stateNames = [...]string{"idle", "awaiting_frame", "deciding", "single_challenge", "group_decision", "actuating"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the terminal result of one cycle.
type Outcome string

const (
	Granted        Outcome = "granted"
	GrantedGroup   Outcome = "granted_group"
	DeniedUnknown  Outcome = "denied_unknown"
	DeniedTimeout  Outcome = "denied_timeout"
	DeniedMismatch Outcome = "denied_mismatch"
	DeniedGroup    Outcome = "denied_group"
)

// Granted reports whether the outcome opened the door.
func (o Outcome) Granted() bool {
	return o == Granted || o == GrantedGroup
}

// Deps are the collaborators of a Controller. Clock, Sink and Logger are optional.
type Deps struct {
	Frames      FrameSource
	Recognizer  Recognizer
	Reader      CardReader
	Lock        Lock
	Settings    SettingsSource
	Sink        notify.Sink
	Clock       clock.Clock
	Logger      *slog.Logger
	PollTimeout time.Duration
}

// Stats summarizes completed cycles.
type Stats struct {
	Cycles      uint64             `json:"cycles"`
	Outcomes    map[Outcome]uint64 `json:"outcomes"`
	LastOutcome Outcome            `json:"last_outcome,omitempty"`
	LastAt      time.Time          `json:"last_at,omitzero"`
}

// Controller runs the access decision loop.
type Controller struct {
	d       Deps
	state   atomic.Int32
	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func New(d Deps) *Controller {
	if d.Sink == nil {
		d.Sink = notify.Discard
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = time.Second
	}
	return &Controller{d: d, stats: Stats{Outcomes: map[Outcome]uint64{}}}
}

// Run loops until ctx is done. A cycle that panics is logged and the loop
// carries on with the next frame.
func (c *Controller) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)
	defer c.setState(Idle)

	c.d.Logger.Info("access controller started", "poll_timeout", c.d.PollTimeout)
	for ctx.Err() == nil {
		c.safeStep(ctx)
	}
	c.d.Logger.Info("access controller stopped")
	return nil
}

func (c *Controller) safeStep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.d.Logger.Error("access cycle panicked", "panic", r)
			c.d.Reader.DisableReading()
			c.setState(Idle)
		}
	}()
	c.Step(ctx)
}

// Step waits up to the poll timeout for a frame and processes it.
// It reports false when no frame arrived.
func (c *Controller) Step(ctx context.Context) (Outcome, bool) {
	c.setState(AwaitingFrame)
	frame, ok := c.d.Frames.Take(ctx, c.d.PollTimeout)
	if !ok {
		c.setState(Idle)
		return "", false
	}
	return c.Process(ctx, frame), true
}

// Process runs one protocol on frame under the policy in force right now.
func (c *Controller) Process(ctx context.Context, frame types.Frame) Outcome {
	defer c.setState(Idle)
	c.setState(Deciding)

	policy := c.d.Settings.Snapshot()
	log := c.d.Logger.With("attempt", uuid.NewString(), "mode", policy.Mode, "frame", frame.Seq)

	var out Outcome
	if policy.Mode == settings.ModeSingle {
		out = c.single(ctx, frame, policy, log)
	} else {
		out = c.group(ctx, frame, policy, log)
	}

	c.record(out)
	log.Info("access decision", "outcome", out)
	return out
}

func (c *Controller) single(ctx context.Context, frame types.Frame, policy settings.Settings, log *slog.Logger) Outcome {
	d := c.d.Recognizer.RecognizeSingle(ctx, frame)
	if !d.Matched {
		c.post("Access denied: person wasn't recognized", notify.Red, 3*time.Second)
		return DeniedUnknown
	}
	log = log.With("person_id", d.Person.ID, "name", d.Person.Name, "distance", d.Distance)
	log.Info("face recognized, awaiting card")

	c.setState(SingleChallenge)
	c.post(fmt.Sprintf("Recognized: %s", d.Person.Name), notify.Green, 10*time.Second)

	// A panic in between is handled by safeStep, which also disables reading.
	c.d.Reader.EnableReading()
	c.post("Please scan your card", notify.Blue, policy.WaitDuration())
	cardID, scanned := c.awaitCard(policy.WaitTime)
	c.d.Reader.DisableReading()

	switch {
	case !scanned:
		c.post("Timeout: card not scanned", notify.Red, 5*time.Second)
		return DeniedTimeout
	case cardID != d.Person.CardID:
		log.Warn("card does not belong to recognized person", "card_id", cardID)
		c.post("Access denied: wrong card", notify.Crimson, 5*time.Second)
		return DeniedMismatch
	}

	c.post(fmt.Sprintf("Access granted: %s", d.Person.Name), notify.Green, 5*time.Second)
	c.actuate(policy)
	return Granted
}

// awaitCard polls the reader once per second, up to polls times.
func (c *Controller) awaitCard(polls int) (string, bool) {
	for i := 0; i < polls; i++ {
		if id, ok := c.d.Reader.LastID(); ok {
			return id, true
		}
		c.d.Clock.Sleep(cardPollInterval)
	}
	return "", false
}

func (c *Controller) group(ctx context.Context, frame types.Frame, policy settings.Settings, log *slog.Logger) Outcome {
	c.setState(GroupDecision)
	decisions := c.d.Recognizer.RecognizeAll(ctx, frame)

	names := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if !d.Matched {
			log.Info("unknown participant in group", "faces", len(decisions))
			c.post("Access denied: unknown person in group", notify.Red, 5*time.Second)
			return DeniedGroup
		}
		names = append(names, d.Person.Name)
	}

	log.Info("group recognized", "people", strings.Join(names, ", "))
	c.post("Access granted for all", notify.Green, 5*time.Second)
	c.actuate(policy)
	return GrantedGroup
}

func (c *Controller) actuate(policy settings.Settings) {
	c.setState(Actuating)
	c.d.Lock.Cycle(policy.OpenDuration())
}

func (c *Controller) post(text string, col notify.Color, ttl time.Duration) {
	notify.Post(c.d.Sink, text, col, ttl)
}

func (c *Controller) record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Cycles++
	c.stats.Outcomes[o]++
	c.stats.LastOutcome = o
	c.stats.LastAt = c.d.Clock.Now()
}

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// State returns the current cycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Running reports whether Run is active.
func (c *Controller) Running() bool { return c.running.Load() }

// Stats returns a copy of the cycle counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Outcomes = make(map[Outcome]uint64, len(c.stats.Outcomes))
	for k, v := range c.stats.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}
