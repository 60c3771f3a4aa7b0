// Package lock drives the door relay. A grant becomes one open, hold, close
// cycle; cycles never overlap, and the door is always told to close at the
// end of the hold even if opening it failed.
package lock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/clock"
	"github.com/andresmejia3/gatekeeper/internal/notify"
	"periph.io/x/conn/v3/gpio"
)

// closedTTL is how long the "closed" notice stays up.
const closedTTL = 3 * time.Second

// Pin is the output line wired to the relay. High releases the door.
type Pin interface {
	Out(l gpio.Level) error
}

// Actuator owns the relay line. A nil pin means no hardware is attached:
// cycles still run and notify, but nothing is driven.
type Actuator struct {
	pin    Pin
	sink   notify.Sink
	clock  clock.Clock
	logger *slog.Logger

	cycleMu sync.Mutex

	mu   sync.Mutex
	open bool
}

func New(pin Pin, sink notify.Sink, clk clock.Clock, logger *slog.Logger) *Actuator {
	if sink == nil {
		sink = notify.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Actuator{pin: pin, sink: sink, clock: clk, logger: logger}
}

// Open releases the door. ttl is how long the "open" notice should stay up.
// Driving an already open door again is harmless.
func (a *Actuator) Open(ttl time.Duration) error {
	err := a.drive(gpio.High)
	a.setOpen(true)
	notify.Post(a.sink, "The door is open", notify.Mint, ttl)
	if err != nil {
		a.report("open", err)
	}
	return err
}

// Close secures the door.
func (a *Actuator) Close() error {
	err := a.drive(gpio.Low)
	a.setOpen(false)
	notify.Post(a.sink, "The door is closed", notify.Amber, closedTTL)
	if err != nil {
		a.report("close", err)
	}
	return err
}

// Cycle opens the door, holds it for hold, and closes it. Concurrent
// cycles run one after another. Actuation errors are logged and notified;
// the close is attempted regardless.
func (a *Actuator) Cycle(hold time.Duration) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	a.Open(hold)
	a.clock.Sleep(hold)
	a.Close()
}

// IsOpen reports the last commanded state.
func (a *Actuator) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Actuator) setOpen(v bool) {
	a.mu.Lock()
	a.open = v
	a.mu.Unlock()
}

func (a *Actuator) drive(l gpio.Level) error {
	if a.pin == nil {
		return nil
	}
	return a.pin.Out(l)
}

func (a *Actuator) report(action string, err error) {
	a.logger.Error("lock actuation failed", "action", action, "error", err)
	notify.Post(a.sink, fmt.Sprintf("Lock error: %v", err), notify.Red, 5*time.Second)
}

// ErrNoHardware is returned by OpenPin when the GPIO line cannot be found.
var ErrNoHardware = errors.New("gpio pin not available")
