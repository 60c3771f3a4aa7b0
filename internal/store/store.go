// Package store persists the roster of enrolled people. Two backends share
// one contract: PostgreSQL for installations with a central database and a
// local SQLite file for a self-contained door controller.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// ErrInvalidPerson is returned by Add when a required field is missing.
var ErrInvalidPerson = errors.New("person requires a name, a card id and a face image")

// ErrNotFound is returned by Remove and Rename when no row has the id.
var ErrNotFound = errors.New("person not found")

// Roster is the contract the rest of the daemon depends on. Lookups that
// find nobody return types.Unknown() and a nil error; errors are reserved
// for storage failures.
type Roster interface {
	GetAll(ctx context.Context) ([]types.Person, error)
	GetByID(ctx context.Context, id int) (types.Person, error)
	GetByCardID(ctx context.Context, cardID string) (types.Person, error)
	Add(ctx context.Context, p types.Person) (types.Person, error)
	Remove(ctx context.Context, id int) error
	Rename(ctx context.Context, id int, name string) error
	Reset(ctx context.Context) error
	// Subscribe returns a channel that receives a signal after every
	// successful mutation, including mutations committed by other processes
	// sharing the database. Signals coalesce; a slow reader sees at least
	// one signal after the last change. The returned func unsubscribes.
	Subscribe() (<-chan struct{}, func())
	Close()
}

// Open picks a backend from the DSN: postgres:// and postgresql:// URLs use
// PostgreSQL, anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (Roster, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, dsn)
}

func validateNew(p types.Person) error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.CardID) == "" || len(p.Image) == 0 {
		return ErrInvalidPerson
	}
	return nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPerson)
	}
	return nil
}

// notifier fans change signals out to subscribers without ever blocking
// the writer.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func (n *notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]chan struct{})
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

func (n *notifier) changed() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// watcher runs a backend's detector for changes made by other processes.
// It starts with the first subscriber and stops on Close.
type watcher struct {
	once    sync.Once
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *watcher) init() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.done = make(chan struct{})
}

func (w *watcher) start(detect func(ctx context.Context)) {
	w.once.Do(func() {
		w.started.Store(true)
		go func() {
			defer close(w.done)
			detect(w.ctx)
		}()
	})
}

func (w *watcher) stop() {
	w.cancel()
	if w.started.Load() {
		<-w.done
	}
}
