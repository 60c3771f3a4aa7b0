package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rosterChannel is the LISTEN/NOTIFY channel roster mutations publish on.
const rosterChannel = "gatekeeper_roster"

// listenRetry spaces reconnect attempts of the notification listener.
const listenRetry = 2 * time.Second

// Postgres stores the roster in PostgreSQL.
type Postgres struct {
	notifier
	pool  *pgxpool.Pool
	watch watcher
}

// NewPostgres connects to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	s := &Postgres{pool: pool}
	s.watch.init()
	return s, nil
}

// initPostgresSchema creates the roster table if it doesn't exist (Auto-Migration).
func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS persons (
			id SERIAL PRIMARY KEY,
			card_id TEXT,
			name TEXT,
			image BYTEA,
			registered_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS persons_card_id_idx ON persons (card_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close stops the listener and releases every pooled connection.
func (s *Postgres) Close() {
	s.watch.stop()
	s.pool.Close()
}

// Subscribe also starts listening for mutations made by other processes.
func (s *Postgres) Subscribe() (<-chan struct{}, func()) {
	s.watch.start(s.listen)
	return s.notifier.Subscribe()
}

// listen holds one pooled connection in LISTEN and signals subscribers on
// every notification. A lost connection is re-acquired; mutations made while
// it was down are covered by a signal on reconnect.
func (s *Postgres) listen(ctx context.Context) {
	first := true
	for ctx.Err() == nil {
		err := s.listenOnce(ctx, !first)
		first = false
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetry):
			}
		}
	}
}

func (s *Postgres) listenOnce(ctx context.Context, resync bool) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+rosterChannel); err != nil {
		return err
	}
	if resync {
		s.changed()
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			// The session still holds the LISTEN; do not hand it back.
			conn.Hijack().Close(context.Background())
			return err
		}
		s.changed()
	}
}

// publish tells other processes the roster changed and signals local
// subscribers. A failed NOTIFY only costs remote freshness.
func (s *Postgres) publish(ctx context.Context) {
	_, _ = s.pool.Exec(ctx, "SELECT pg_notify($1, '')", rosterChannel)
	s.changed()
}

// GetAll returns every readable person. Rows with missing columns are skipped.
func (s *Postgres) GetAll(ctx context.Context) ([]types.Person, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, card_id, name, image, registered_at FROM persons ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []types.Person
	for rows.Next() {
		p, ok := scanPersonRow(rows)
		if !ok {
			continue
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// GetByID returns the person with id, or types.Unknown().
func (s *Postgres) GetByID(ctx context.Context, id int) (types.Person, error) {
	row := s.pool.QueryRow(ctx, "SELECT id, card_id, name, image, registered_at FROM persons WHERE id = $1", id)
	return lookupRow(row)
}

// GetByCardID returns the first person enrolled with cardID, or types.Unknown().
func (s *Postgres) GetByCardID(ctx context.Context, cardID string) (types.Person, error) {
	row := s.pool.QueryRow(ctx, "SELECT id, card_id, name, image, registered_at FROM persons WHERE card_id = $1 ORDER BY id LIMIT 1", cardID)
	return lookupRow(row)
}

// Add inserts p and returns it with its assigned id and enrollment time.
func (s *Postgres) Add(ctx context.Context, p types.Person) (types.Person, error) {
	if err := validateNew(p); err != nil {
		return types.Person{}, err
	}
	err := s.pool.QueryRow(ctx,
		"INSERT INTO persons (card_id, name, image) VALUES ($1, $2, $3) RETURNING id, registered_at",
		p.CardID, p.Name, p.Image,
	).Scan(&p.ID, &p.EnrolledAt)
	if err != nil {
		return types.Person{}, err
	}
	s.publish(ctx)
	return p, nil
}

// Remove deletes the person with id.
func (s *Postgres) Remove(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM persons WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.publish(ctx)
	return nil
}

// Rename updates the display name of a person.
func (s *Postgres) Rename(ctx context.Context, id int, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "UPDATE persons SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.publish(ctx)
	return nil
}

// Reset drops the roster table and recreates it empty.
func (s *Postgres) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS persons CASCADE"); err != nil {
		return err
	}
	if err := initPostgresSchema(ctx, s.pool); err != nil {
		return err
	}
	s.publish(ctx)
	return nil
}

// scanPersonRow reads one row, tolerating NULLs so a damaged record can be
// recognized and skipped instead of failing the whole listing.
func scanPersonRow(row pgx.Row) (types.Person, bool) {
	var (
		id        int
		cardID    *string
		name      *string
		image     []byte
		createdAt *time.Time
	)
	if err := row.Scan(&id, &cardID, &name, &image, &createdAt); err != nil {
		return types.Person{}, false
	}
	return assemblePerson(id, cardID, name, image, createdAt)
}

func lookupRow(row pgx.Row) (types.Person, error) {
	var (
		id        int
		cardID    *string
		name      *string
		image     []byte
		createdAt *time.Time
	)
	err := row.Scan(&id, &cardID, &name, &image, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Unknown(), nil
	}
	if err != nil {
		return types.Person{}, err
	}
	p, ok := assemblePerson(id, cardID, name, image, createdAt)
	if !ok {
		return types.Unknown(), nil
	}
	return p, nil
}

// assemblePerson builds a Person from nullable columns. Records without a
// name, card or image are corrupt and reported as not ok.
func assemblePerson(id int, cardID, name *string, image []byte, createdAt *time.Time) (types.Person, bool) {
	if cardID == nil || name == nil || *name == "" || len(image) == 0 {
		return types.Person{}, false
	}
	p := types.Person{ID: id, CardID: *cardID, Name: *name, Image: image}
	if createdAt != nil {
		p.EnrolledAt = *createdAt
	}
	return p, true
}
