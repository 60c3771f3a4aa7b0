// Package events connects gatekeeper processes through Redis Pub/Sub.
// Roster changes made by one process (e.g. the enroll command) reach the
// daemon so it can rebuild its encodings, and daemon notifications are
// mirrored for external door displays.
//
// Internal roster events are CBOR; notifications are JSON for consumers
// outside this codebase.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/notify"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Action is what happened to the roster.
type Action string

const (
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
	ActionRenamed Action = "renamed"
	ActionReset   Action = "reset"
)

// RosterEvent announces a roster mutation.
type RosterEvent struct {
	ID       string    `cbor:"1,keyasint"`
	Door     string    `cbor:"2,keyasint"`
	Action   Action    `cbor:"3,keyasint"`
	PersonID int       `cbor:"4,keyasint"`
	At       time.Time `cbor:"5,keyasint"`
}

// RosterChannel is the Pub/Sub channel for roster events of one door.
func RosterChannel(door string) string { return fmt.Sprintf("gatekeeper:%s:roster", door) }

// NotificationChannel is the Pub/Sub channel mirroring notifications of one door.
func NotificationChannel(door string) string {
	return fmt.Sprintf("gatekeeper:%s:notifications", door)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("events: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("events: cbor decoder: %v", err))
	}
}

const (
	// notifyQueue bounds notifications waiting to be mirrored.
	notifyQueue = 32
	// publishTimeout caps one notification publish.
	publishTimeout = 2 * time.Second
	// flushTimeout caps delivery of queued notifications on Close.
	flushTimeout = 2 * time.Second
)

// Bus publishes and subscribes to gatekeeper events for one door.
type Bus struct {
	rdb    *redis.Client
	door   string
	logger *slog.Logger

	publish func(ctx context.Context, channel string, payload []byte) error
	outbox  chan notify.Message
	dropped atomic.Uint64
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New connects to the Redis server at url (redis://host:port/db).
func New(url, door string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewWithOptions(opts, door, logger), nil
}

func NewWithOptions(opts *redis.Options, door string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bus{
		rdb:     redis.NewClient(opts),
		door:    door,
		logger:  logger,
		outbox:  make(chan notify.Message, notifyQueue),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.publish = func(ctx context.Context, channel string, payload []byte) error {
		return b.rdb.Publish(ctx, channel, payload).Err()
	}
	go b.drain()
	return b
}

// Ping verifies Redis connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close delivers what is still queued, within flushTimeout, and disconnects.
func (b *Bus) Close() error {
	b.once.Do(func() { close(b.closing) })
	<-b.done
	return b.rdb.Close()
}

// PublishRosterChange announces a mutation. ID and At are filled in when empty.
func (b *Bus) PublishRosterChange(ctx context.Context, ev RosterEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.Door = b.door

	payload, err := encMode.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode roster event: %w", err)
	}
	if err := b.rdb.Publish(ctx, RosterChannel(b.door), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish roster event: %w", err)
	}
	return nil
}

// Subscription delivers roster events until closed.
type Subscription struct {
	events <-chan RosterEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan RosterEvent { return s.events }

// Errors reports undecodable messages.
func (s *Subscription) Errors() <-chan error { return s.errors }

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRosterChanges listens for roster events. Delivery is
// at-most-once; the receive call blocks until the subscription is
// confirmed so no event published after it returns is missed.
func (b *Bus) SubscribeRosterChanges(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, RosterChannel(b.door))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to roster events: %w", err)
	}

	eventsChan := make(chan RosterEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev RosterEvent
				if err := decMode.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to decode roster event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: eventsChan, errors: errorsChan, cancel: cancelFunc}, nil
}

// Signals adapts a subscription to the change-signal shape the encoding
// cache watches, merging in any extra local signal sources. The returned
// channel closes when ctx is done.
func (b *Bus) Signals(ctx context.Context, sub *Subscription, local ...<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	poke := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	forward := func(in <-chan struct{}) {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-in:
				if !ok {
					return
				}
				poke()
			}
		}
	}
	for _, in := range local {
		wg.Add(1)
		go forward(in)
	}

	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs := sub.Errors()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					b.logger.Info("roster changed remotely", "action", ev.Action, "person_id", ev.PersonID, "event_id", ev.ID)
					poke()
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					b.logger.Warn("bad roster event", "error", err)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Put queues a notification for NotificationChannel and returns at once.
// When the queue is full the message is dropped.
func (b *Bus) Put(m notify.Message) {
	select {
	case b.outbox <- m:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("notification queue full, dropping", "text", m.Text, "dropped", n)
	}
}

// Dropped counts notifications discarded because the queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) drain() {
	defer close(b.done)
	for {
		select {
		case m := <-b.outbox:
			b.send(context.Background(), m)
		case <-b.closing:
			b.flush()
			return
		}
	}
}

func (b *Bus) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case m := <-b.outbox:
			b.send(ctx, m)
		default:
			return
		}
	}
}

func (b *Bus) send(ctx context.Context, m notify.Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		b.logger.Warn("failed to encode notification", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.publish(ctx, NotificationChannel(b.door), payload); err != nil {
		b.logger.Warn("failed to publish notification", "error", err)
	}
}
