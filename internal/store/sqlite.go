package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS persons (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cardId TEXT,
	name TEXT,
	image BLOB,
	registered_date TEXT
);
CREATE INDEX IF NOT EXISTS persons_card_idx ON persons (cardId);
`

// DefaultPollInterval is how often a subscribed SQLite handle checks the
// file for commits made by other processes.
const DefaultPollInterval = time.Second

// SQLite stores the roster in a local database file, the layout used by
// standalone door units.
type SQLite struct {
	notifier
	db *sql.DB

	watch        watcher
	pollInterval time.Duration
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; WAL lets the enroll CLI and the daemon share the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	s := &SQLite{db: db, pollInterval: DefaultPollInterval}
	s.watch.init()
	return s, nil
}

func (s *SQLite) Close() {
	s.watch.stop()
	s.db.Close()
}

// Subscribe also starts polling for commits from other connections, such as
// the enroll CLI writing while the daemon runs.
func (s *SQLite) Subscribe() (<-chan struct{}, func()) {
	s.watch.start(s.pollDataVersion)
	return s.notifier.Subscribe()
}

// pollDataVersion signals subscribers whenever PRAGMA data_version moves.
// The counter only changes for commits made on other connections; our own
// writes already signal through changed.
func (s *SQLite) pollDataVersion(ctx context.Context) {
	// On error last stays 0 and the first good poll signals a change.
	last, _ := s.dataVersion(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v, err := s.dataVersion(ctx)
		if err != nil {
			continue
		}
		if v != last {
			last = v
			s.changed()
		}
	}
}

func (s *SQLite) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

func (s *SQLite) GetAll(ctx context.Context) ([]types.Person, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, cardId, name, image, registered_date FROM persons ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []types.Person
	for rows.Next() {
		p, ok, err := scanSQLitePerson(rows)
		if err != nil || !ok {
			continue
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func (s *SQLite) GetByID(ctx context.Context, id int) (types.Person, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, cardId, name, image, registered_date FROM persons WHERE id = ?", id)
	return s.lookup(row)
}

func (s *SQLite) GetByCardID(ctx context.Context, cardID string) (types.Person, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, cardId, name, image, registered_date FROM persons WHERE cardId = ? ORDER BY id LIMIT 1", cardID)
	return s.lookup(row)
}

func (s *SQLite) lookup(row *sql.Row) (types.Person, error) {
	p, ok, err := scanSQLitePerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Unknown(), nil
	}
	if err != nil {
		return types.Person{}, err
	}
	if !ok {
		return types.Unknown(), nil
	}
	return p, nil
}

func (s *SQLite) Add(ctx context.Context, p types.Person) (types.Person, error) {
	if err := validateNew(p); err != nil {
		return types.Person{}, err
	}
	p.EnrolledAt = time.Now().UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO persons (cardId, name, image, registered_date) VALUES (?, ?, ?, ?)",
		p.CardID, p.Name, p.Image, p.EnrolledAt.Format(time.RFC3339))
	if err != nil {
		return types.Person{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Person{}, err
	}
	p.ID = int(id)
	s.changed()
	return p, nil
}

func (s *SQLite) Remove(ctx context.Context, id int) error {
	return s.mutate(ctx, "DELETE FROM persons WHERE id = ?", id)
}

func (s *SQLite) Rename(ctx context.Context, id int, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return s.mutate(ctx, "UPDATE persons SET name = ? WHERE id = ?", name, id)
}

func (s *SQLite) mutate(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.changed()
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS persons"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return err
	}
	s.changed()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePerson(row rowScanner) (types.Person, bool, error) {
	var (
		id      int
		cardID  sql.NullString
		name    sql.NullString
		image   []byte
		created sql.NullString
	)
	if err := row.Scan(&id, &cardID, &name, &image, &created); err != nil {
		return types.Person{}, false, err
	}
	if !cardID.Valid || !name.Valid {
		return types.Person{}, false, nil
	}

	var enrolled *time.Time
	if created.Valid {
		if ts, err := time.Parse(time.RFC3339, created.String); err == nil {
			enrolled = &ts
		}
	}
	p, ok := assemblePerson(id, &cardID.String, &name.String, image, enrolled)
	return p, ok, nil
}
