// Package settings owns the runtime access policy: match threshold,
// working mode, door open time and card wait time. Readers always see a
// complete, validated snapshot; changes are validated, persisted, and then
// swapped in as one unit.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/utils"
)

// Mode selects the access protocol.
type Mode string

const (
	// ModeSingle requires a recognized face followed by the matching card.
	ModeSingle Mode = "single"
	// ModeMultiple requires every face in frame to be recognized.
	ModeMultiple Mode = "multiple"
)

// MaxThreshold is the largest accepted recognition threshold.
const MaxThreshold = 2.5

// MaxOpenTime and MaxWaitTime bound the door hold and card wait, in seconds.
const (
	MaxOpenTime = 3600
	MaxWaitTime = 3600
)

// Settings is the access policy. Values are only ever replaced whole.
type Settings struct {
	Threshold float64 `json:"recognition_threshold"`
	Mode      Mode    `json:"working_mode"`
	OpenTime  float64 `json:"open_time"` // seconds
	WaitTime  int     `json:"wait_time"` // seconds
}

// Default returns the policy used when no settings file exists.
func Default() Settings {
	return Settings{
		Threshold: 0.8,
		Mode:      ModeMultiple,
		OpenTime:  10.0,
		WaitTime:  10,
	}
}

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks every invariant of the policy.
func (s Settings) Validate() error {
	if !(s.Threshold > 0 && s.Threshold <= MaxThreshold) {
		return &ValidationError{Field: "recognition_threshold", Message: fmt.Sprintf("must be in (0, %.1f], got %v", MaxThreshold, s.Threshold)}
	}
	if s.Mode != ModeSingle && s.Mode != ModeMultiple {
		return &ValidationError{Field: "working_mode", Message: fmt.Sprintf("must be %q or %q, got %q", ModeSingle, ModeMultiple, s.Mode)}
	}
	if !(s.OpenTime > 0 && s.OpenTime <= MaxOpenTime) {
		return &ValidationError{Field: "open_time", Message: fmt.Sprintf("must be in (0, %d], got %v", MaxOpenTime, s.OpenTime)}
	}
	if s.WaitTime <= 0 || s.WaitTime > MaxWaitTime {
		return &ValidationError{Field: "wait_time", Message: fmt.Sprintf("must be an integer in [1, %d], got %d", MaxWaitTime, s.WaitTime)}
	}
	return nil
}

// OpenDuration is OpenTime as a time.Duration.
func (s Settings) OpenDuration() time.Duration {
	return time.Duration(s.OpenTime * float64(time.Second))
}

// WaitDuration is WaitTime as a time.Duration.
func (s Settings) WaitDuration() time.Duration {
	return time.Duration(s.WaitTime) * time.Second
}

// Store holds the current snapshot and its backing file.
type Store struct {
	path    string
	logger  *slog.Logger
	writeMu sync.Mutex
	current atomic.Pointer[Settings]
}

// Load reads path, filling absent keys from Default. A missing file is
// created with the defaults. A file that fails validation is an error.
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{path: path, logger: logger}

	loaded, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		def := Default()
		if err := s.persist(def); err != nil {
			return nil, err
		}
		s.current.Store(&def)
		logger.Info("settings file created with defaults", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}
	s.current.Store(&loaded)
	return s, nil
}

// Read returns the policy saved at path without creating or changing the
// file. A missing file reads as Default.
func Read(path string) (Settings, error) {
	v, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	if err := v.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings file %s: %w", path, err)
	}
	return v, nil
}

func readFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns the current policy.
func (s *Store) Snapshot() Settings {
	return *s.current.Load()
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Change validates next, writes it to disk, and makes it current.
// On any error nothing is applied.
func (s *Store) Change(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.persist(next); err != nil {
		return err
	}
	s.current.Store(&next)
	s.logger.Info("settings changed",
		"threshold", next.Threshold, "mode", next.Mode,
		"open_time", next.OpenTime, "wait_time", next.WaitTime)
	return nil
}

// Reload re-reads the backing file. An invalid file leaves the current
// snapshot in place and returns the error.
func (s *Store) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := readFile(s.path)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if *s.current.Load() == next {
		return nil
	}
	s.current.Store(&next)
	s.logger.Info("settings reloaded from disk", "path", s.path)
	return nil
}

func (s *Store) persist(v Settings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := utils.AtomicWriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
