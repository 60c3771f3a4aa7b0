package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/clock"
	"github.com/andresmejia3/gatekeeper/internal/types"
)

// ErrNoFace is returned by ExtractOne when the image contains no face.
var ErrNoFace = errors.New("no face found")

// ErrBackoff is returned while the extractor waits before restarting a
// process that failed.
var ErrBackoff = errors.New("inference worker restart pending")

// Restart backoff doubles per consecutive failure between these bounds.
const (
	minRestartDelay = 500 * time.Millisecond
	maxRestartDelay = 30 * time.Second
)

// processor is the part of PythonWorker the Extractor drives.
type processor interface {
	ProcessFrame(img []byte) ([]types.FaceResult, error)
	Kill()
	Close()
}

// Extractor turns images into face embeddings through a single inference
// process. Calls are serialized. A process that crashes or is interrupted
// is discarded and a fresh one is started on the next call.
type Extractor struct {
	mu     sync.Mutex
	start  func() (processor, error)
	proc   processor
	starts int
	logger *slog.Logger

	clock    clock.Clock
	failures int
	retryAt  time.Time
	lastErr  error
}

// NewExtractor prepares an extractor running command. The process is
// started lazily on first use.
func NewExtractor(command []string, logger *slog.Logger) *Extractor {
	e := &Extractor{logger: logger, clock: clock.Real()}
	e.start = func() (processor, error) {
		e.starts++
		return NewPythonWorker(e.starts, command)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Faces returns every face detected in img, in detector order.
func (e *Extractor) Faces(ctx context.Context, img []byte) ([]types.FaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.proc == nil {
		if now := e.clock.Now(); now.Before(e.retryAt) {
			return nil, fmt.Errorf("%w for %s: %w", ErrBackoff, e.retryAt.Sub(now).Round(time.Millisecond), e.lastErr)
		}
		p, err := e.start()
		if err != nil {
			err = fmt.Errorf("failed to start inference worker: %w", err)
			e.failed(err)
			return nil, err
		}
		e.proc = p
		e.logger.Debug("inference worker started")
	}

	type result struct {
		faces []types.FaceResult
		err   error
	}
	p := e.proc
	done := make(chan result, 1)
	go func() {
		faces, err := p.ProcessFrame(img)
		done <- result{faces, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && !isWorkerLogicError(res.err) {
			// Transport failure: the process is gone or out of sync.
			p.Close()
			e.proc = nil
			e.failed(res.err)
			return nil, res.err
		}
		e.failures = 0
		return res.faces, res.err
	case <-ctx.Done():
		p.Kill()
		<-done
		p.Close()
		e.proc = nil
		return nil, ctx.Err()
	}
}

// failed schedules the next start attempt. Callers hold e.mu.
func (e *Extractor) failed(err error) {
	delay := maxRestartDelay
	if e.failures < 6 {
		delay = min(minRestartDelay<<e.failures, maxRestartDelay)
	}
	e.failures++
	e.lastErr = err
	e.retryAt = e.clock.Now().Add(delay)
	e.logger.Warn("inference worker failed, backing off", "error", err, "failures", e.failures, "retry_in", delay)
}

// ExtractAll returns one embedding per detected face, in detector order.
func (e *Extractor) ExtractAll(ctx context.Context, img []byte) ([]types.Embedding, error) {
	faces, err := e.Faces(ctx, img)
	if err != nil {
		return nil, err
	}
	out := make([]types.Embedding, len(faces))
	for i, f := range faces {
		out[i] = types.Embedding(f.Vec)
	}
	return out, nil
}

// ExtractOne returns the embedding of the first face the detector reports.
func (e *Extractor) ExtractOne(ctx context.Context, img []byte) (types.Embedding, error) {
	all, err := e.ExtractAll(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNoFace
	}
	return all[0], nil
}

// Close stops the running process, if any.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		e.proc.Close()
		e.proc = nil
	}
}

// isWorkerLogicError reports whether err came from a well-formed error
// response, meaning the process is still healthy and in sync.
func isWorkerLogicError(err error) bool {
	var le *LogicError
	return errors.As(err, &le)
}
