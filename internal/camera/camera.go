// Package camera runs ffmpeg against the door camera and publishes every
// decoded JPEG to a frame channel.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

const megabyte = 1024 * 1024

// Publisher receives captured frames. frames.Channel implements it.
type Publisher interface {
	Publish(f types.Frame)
}

// Source is a camera input.
type Source struct {
	Device string
	Format string
	FPS    int

	// RestartDelay is the pause before ffmpeg is started again after it exits.
	RestartDelay time.Duration
	Logger       *slog.Logger

	newCmd func() *exec.Cmd
}

func (s *Source) command() *exec.Cmd {
	if s.newCmd != nil {
		return s.newCmd()
	}
	return utils.NewCameraCmd(s.Device, s.Format, s.FPS)
}

func (s *Source) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// Run captures until ctx is done, restarting ffmpeg whenever it exits.
func (s *Source) Run(ctx context.Context, out Publisher) {
	delay := s.RestartDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	log := s.logger()

	for ctx.Err() == nil {
		n, err := s.runOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		log.Warn("camera stream ended, restarting", "device", s.Device, "frames", n, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Source) runOnce(ctx context.Context, out Publisher) (int, error) {
	ffmpeg := s.command()

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	stdout, err := ffmpeg.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return 0, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Kill ffmpeg when the daemon stops so Pump's read unblocks.
	stop := context.AfterFunc(ctx, func() {
		if ffmpeg.Process != nil {
			ffmpeg.Process.Kill()
		}
	})
	defer stop()

	n, scanErr := Pump(stdout, out)
	waitErr := ffmpeg.Wait()
	if scanErr != nil {
		return n, scanErr
	}
	if waitErr != nil {
		return n, fmt.Errorf("ffmpeg exited: %w: %s", waitErr, bytes.TrimSpace(stderrBuf.Bytes()))
	}
	return n, nil
}

// Pump splits an MJPEG byte stream into frames and publishes each one.
// It returns the number of frames published when r is exhausted.
func Pump(r io.Reader, out Publisher) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	n := 0
	for scanner.Scan() {
		// The scanner reuses its buffer; published frames must own their bytes.
		data := bytes.Clone(scanner.Bytes())
		out.Publish(types.Frame{Data: data, CapturedAt: time.Now()})
		n++
	}
	return n, scanner.Err()
}
