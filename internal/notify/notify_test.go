package notify

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

// recorder collects messages in memory.
type recorder struct{ msgs []Message }

func (r *recorder) Put(m Message) { r.msgs = append(r.msgs, m) }

func TestPostStampsMessage(t *testing.T) {
	r := &recorder{}
	before := time.Now()
	Post(r, "The door is open", Mint, 10*time.Second)

	if assert.Len(t, r.msgs, 1) {
		m := r.msgs[0]
		assert.Equal(t, "The door is open", m.Text)
		assert.Equal(t, Mint, m.Color)
		assert.Equal(t, 10*time.Second, m.TTL)
		assert.False(t, m.Timestamp.Before(before))
	}
}

func TestPostNilSink(t *testing.T) {
	assert.NotPanics(t, func() { Post(nil, "x", Red, time.Second) })
}

func TestMultiSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	s := Multi(a, nil, b)
	s.Put(Message{Text: "hello"})

	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}

func TestConsoleWritesText(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Put(Message{Text: "Please scan your card", Color: Blue, Timestamp: time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)})

	assert.Equal(t, "09:30:00  Please scan your card\n", buf.String())
}
