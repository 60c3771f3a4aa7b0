// Package reader drives the contactless card reader attached over a serial
// line. A Handle owns the port, reconnects when it disappears, and exposes
// the enable/disable/last-id handshake the access controller uses during a
// card challenge.
package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/notify"
	"golang.org/x/time/rate"
)

// ErrNoPorts is returned when no serial port is available.
var ErrNoPorts = errors.New("no serial ports found")

// State is the connection state of the reader.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reading
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Port is an open serial line. Read returns (0, nil) when its read timeout
// elapses without data.
type Port interface {
	io.ReadCloser
}

// Opener enumerates and opens serial ports.
type Opener interface {
	Ports() ([]string, error)
	Open(name string) (Port, error)
}

// Options tunes a Handle.
type Options struct {
	// PortName pins the port; empty selects the last enumerated port.
	PortName      string
	RetryInterval time.Duration
	Sink          notify.Sink
	Logger        *slog.Logger
}

// Handle is the card reader. All exported methods are safe for concurrent use.
type Handle struct {
	opener Opener
	opts   Options
	logger *slog.Logger
	sink   notify.Sink

	// retryNotice throttles the "not connected" notice while retrying.
	retryNotice rate.Sometimes

	mu       sync.Mutex
	state    State
	port     Port
	portName string
	enabled  bool
	lastID   string
	listener func(cardID string)
}

// New creates a Handle and makes one connection attempt right away.
func New(opener Opener, opts Options) *Handle {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	h := &Handle{
		opener:      opener,
		opts:        opts,
		logger:      opts.Logger,
		sink:        opts.Sink,
		retryNotice: rate.Sometimes{Interval: opts.RetryInterval * 3},
	}
	h.connect()
	return h
}

// connect tries to open a port once.
func (h *Handle) connect() bool {
	h.setState(Connecting)

	name, err := h.pickPort()
	if err != nil {
		h.fail(err)
		return false
	}
	port, err := h.opener.Open(name)
	if err != nil {
		h.fail(fmt.Errorf("open %s: %w", name, err))
		return false
	}

	h.mu.Lock()
	h.port = port
	h.portName = name
	h.state = Connected
	h.mu.Unlock()

	h.logger.Info("card reader connected", "port", name)
	notify.Post(h.sink, fmt.Sprintf("Reader connected on %s", name), notify.Neutral, 3*time.Second)
	return true
}

func (h *Handle) pickPort() (string, error) {
	if h.opts.PortName != "" {
		return h.opts.PortName, nil
	}
	ports, err := h.opener.Ports()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", ErrNoPorts
	}
	return ports[len(ports)-1], nil
}

func (h *Handle) fail(err error) {
	h.setState(Disconnected)
	h.logger.Warn("cannot initialize card reader", "error", err)
	notify.Post(h.sink, fmt.Sprintf("Cannot initialize reader: %v", err), notify.Neutral, 5*time.Second)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run services the reader until ctx is done: it reads card ids while
// connected and retries the connection every RetryInterval while not.
func (h *Handle) Run(ctx context.Context) {
	defer h.disconnect()

	var lines lineBuffer
	for ctx.Err() == nil {
		h.mu.Lock()
		port := h.port
		h.mu.Unlock()

		if port == nil {
			h.retryNotice.Do(func() {
				notify.Post(h.sink, "Reader not connected, retrying...", notify.Neutral, 3*time.Second)
			})
			if h.connect() {
				lines.reset()
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.RetryInterval):
			}
			continue
		}

		ids, err := lines.readFrom(port)
		for _, id := range ids {
			h.receive(id)
		}
		if err != nil {
			h.logger.Warn("serial read failed", "error", err)
			notify.Post(h.sink, fmt.Sprintf("Serial error: %v", err), notify.Neutral, 5*time.Second)
			h.disconnect()
		}
	}
}

func (h *Handle) disconnect() {
	h.mu.Lock()
	port := h.port
	h.port = nil
	h.state = Disconnected
	h.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

// receive records one scanned id if reading is enabled.
func (h *Handle) receive(id string) {
	h.mu.Lock()
	if !h.enabled {
		h.mu.Unlock()
		h.logger.Debug("card ignored, reading disabled")
		return
	}
	h.lastID = id
	listener := h.listener
	h.mu.Unlock()

	h.logger.Debug("card scanned", "card_id", id)
	if listener != nil {
		listener(id)
	}
}

// EnableReading starts accepting scanned ids.
func (h *Handle) EnableReading() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = true
}

// DisableReading stops accepting ids and forgets the last one. Calling it
// twice is the same as calling it once.
func (h *Handle) DisableReading() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = false
	h.lastID = ""
}

// LastID returns the most recent id scanned while reading was enabled.
func (h *Handle) LastID() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID, h.lastID != ""
}

// SetListener registers fn to receive every id accepted while reading is
// enabled. fn runs on the reader goroutine and must not block. nil clears it.
func (h *Handle) SetListener(fn func(cardID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = fn
}

// State reports the connection state; Reading means connected and enabled.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Connected && h.enabled {
		return Reading
	}
	return h.state
}

func (h *Handle) Connected() bool {
	s := h.State()
	return s == Connected || s == Reading
}

// Port returns the name of the open port, or "" when disconnected.
func (h *Handle) Port() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return ""
	}
	return h.portName
}

// lineBuffer assembles newline-terminated ids from timed reads.
type lineBuffer struct {
	buf []byte
	tmp [256]byte
}

const maxLine = 1024

func (l *lineBuffer) reset() { l.buf = l.buf[:0] }

// readFrom performs one read and returns every complete, trimmed, non-empty line.
func (l *lineBuffer) readFrom(r io.Reader) ([]string, error) {
	n, err := r.Read(l.tmp[:])
	l.buf = append(l.buf, l.tmp[:n]...)

	var ids []string
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
		if line != "" {
			ids = append(ids, line)
		}
	}
	if len(l.buf) > maxLine {
		// Garbage without a newline; drop it rather than grow forever.
		l.buf = l.buf[:0]
	}
	if err == io.EOF && n == 0 {
		return ids, io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return ids, err
}
