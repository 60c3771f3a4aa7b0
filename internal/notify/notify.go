// Package notify carries short status messages from the daemon to whatever
// is showing them to the person at the door.
package notify

import (
	"log/slog"
	"time"
)

// Color is an RGB triple used by displays to tint a message.
type Color [3]uint8

var (
	Green   = Color{150, 255, 150}
	Red     = Color{255, 150, 150}
	Blue    = Color{150, 150, 255}
	Crimson = Color{255, 100, 150}
	Mint    = Color{170, 255, 150}
	Rose    = Color{255, 130, 150}
	Amber   = Color{255, 170, 150}
	Neutral = Color{220, 220, 220}
)

// Message is one notification. TTL is how long a display should keep it.
type Message struct {
	Text      string        `json:"text"`
	Color     Color         `json:"color"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Sink accepts notifications. Put must not block the caller for long and
// never reports failure; delivery is best effort.
type Sink interface {
	Put(Message)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Message)

func (f SinkFunc) Put(m Message) { f(m) }

// Post stamps and sends a message. A nil sink discards it.
func Post(s Sink, text string, c Color, ttl time.Duration) {
	if s == nil {
		return
	}
	s.Put(Message{Text: text, Color: c, Timestamp: time.Now(), TTL: ttl})
}

// Multi fans a message out to every sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(m Message) {
		for _, s := range live {
			s.Put(m)
		}
	})
}

// Log writes every message to logger at info level.
func Log(logger *slog.Logger) Sink {
	return SinkFunc(func(m Message) {
		logger.Info("notification", "text", m.Text, "ttl", m.TTL)
	})
}

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})
