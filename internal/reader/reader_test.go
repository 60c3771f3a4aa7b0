package reader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort delivers queued chunks and behaves like a port with a short read timeout.
type fakePort struct {
	chunks chan string
	fail   chan error
	mu     sync.Mutex
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{chunks: make(chan string, 16), fail: make(chan error, 1)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case s := <-p.chunks:
		return copy(b, s), nil
	case err := <-p.fail:
		return 0, err
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeOpener hands out ports in order; nil entries fail to open.
type fakeOpener struct {
	mu     sync.Mutex
	ports  []string
	queue  []*fakePort
	opened []string
}

func (o *fakeOpener) Ports() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports, nil
}

func (o *fakeOpener) Open(name string) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, name)
	if len(o.queue) == 0 {
		return nil, errors.New("device busy")
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	if p == nil {
		return nil, errors.New("device busy")
	}
	return p, nil
}

func (o *fakeOpener) push(p *fakePort) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, p)
}

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sinkRecorder) Put(m notify.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m.Text)
}

func (s *sinkRecorder) contains(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func runHandle(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConnectsToLastPort(t *testing.T) {
	port := newFakePort()
	opener := &fakeOpener{ports: []string{"/dev/ttyS0", "/dev/ttyUSB0"}, queue: []*fakePort{port}}
	sink := &sinkRecorder{}

	h := New(opener, Options{Sink: sink})

	assert.Equal(t, Connected, h.State())
	assert.Equal(t, "/dev/ttyUSB0", h.Port())
	assert.True(t, sink.contains("Reader connected on /dev/ttyUSB0"))
}

func TestNoPortsStaysDisconnected(t *testing.T) {
	sink := &sinkRecorder{}
	h := New(&fakeOpener{}, Options{Sink: sink})

	assert.Equal(t, Disconnected, h.State())
	assert.False(t, h.Connected())
	assert.True(t, sink.contains("Cannot initialize reader"))
}

func TestReadsOnlyWhileEnabled(t *testing.T) {
	port := newFakePort()
	h := New(&fakeOpener{ports: []string{"p"}, queue: []*fakePort{port}}, Options{})
	var heard []string
	var mu sync.Mutex
	h.SetListener(func(id string) {
		mu.Lock()
		heard = append(heard, id)
		mu.Unlock()
	})
	runHandle(t, h)

	port.chunks <- "IGNORED\n"
	time.Sleep(30 * time.Millisecond)
	_, ok := h.LastID()
	assert.False(t, ok, "ids arriving while disabled are dropped")

	h.EnableReading()
	assert.Equal(t, Reading, h.State())
	port.chunks <- "  04A2"
	port.chunks <- "B1C3 \r\n"

	assert.Eventually(t, func() bool {
		id, ok := h.LastID()
		return ok && id == "04A2B1C3"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"04A2B1C3"}, heard)
	mu.Unlock()
}

func TestDisableIsIdempotent(t *testing.T) {
	h := New(&fakeOpener{}, Options{})
	h.EnableReading()
	h.receive("ABC")

	h.DisableReading()
	h.DisableReading()

	id, ok := h.LastID()
	assert.False(t, ok)
	assert.Empty(t, id)
	h.receive("LATE")
	_, ok = h.LastID()
	assert.False(t, ok)
}

func TestReconnectsAfterSerialError(t *testing.T) {
	first, second := newFakePort(), newFakePort()
	opener := &fakeOpener{ports: []string{"p"}, queue: []*fakePort{first}}
	sink := &sinkRecorder{}
	h := New(opener, Options{Sink: sink, RetryInterval: 10 * time.Millisecond})
	runHandle(t, h)

	// Next open attempt fails once, then succeeds.
	opener.push(nil)
	opener.push(second)
	first.fail <- errors.New("device unplugged")

	assert.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		opener.mu.Lock()
		defer opener.mu.Unlock()
		return len(opener.opened) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, h.Connected, time.Second, 5*time.Millisecond)

	assert.True(t, sink.contains("Serial error: device unplugged"))
	assert.True(t, sink.contains("Reader not connected, retrying..."))

	h.EnableReading()
	second.chunks <- "CARD9\n"
	assert.Eventually(t, func() bool {
		id, _ := h.LastID()
		return id == "CARD9"
	}, time.Second, 5*time.Millisecond)
}

func TestRunClosesPortOnCancel(t *testing.T) {
	port := newFakePort()
	h := New(&fakeOpener{ports: []string{"p"}, queue: []*fakePort{port}}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.True(t, port.isClosed())
	assert.Equal(t, Disconnected, h.State())
}

func TestLineBufferDropsOverlongGarbage(t *testing.T) {
	var l lineBuffer
	junk := strings.Repeat("x", 200)
	for i := 0; i < 6; i++ {
		l.readFrom(strings.NewReader(junk))
	}
	assert.LessOrEqual(t, len(l.buf), maxLine)
}
