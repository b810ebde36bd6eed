package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding both profile collections and
// publishes a Change to its Broker after every successful write.
type Store struct {
	db     *sql.DB
	broker *Broker
	now    func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "profilesync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: avoids "database is locked" and keeps :memory: on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, broker: NewBroker(), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Broker returns the change broker fed by this store's writes.
func (s *Store) Broker() *Broker {
	return s.broker
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := ParseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// ParseMigrationVersion extracts the numeric prefix of a migration file name.
func ParseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ReadOne returns the row for userID in collection, or nil when it does not
// exist. A missing row is not an error.
func (s *Store) ReadOne(ctx context.Context, collection, userID string) (map[string]any, error) {
	cols, err := Columns(collection)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ?", strings.Join(names, ", "), collection)

	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	err = s.db.QueryRowContext(ctx, query, userID).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s for %s: %w", collection, userID, err)
	}

	row := make(map[string]any, len(cols)+1)
	row["user_id"] = userID
	for i, c := range cols {
		row[c.Name] = DecodeValue(c, raw[i])
	}
	return row, nil
}

// WriteOne upserts the given fields for userID. Fields not listed are left
// untouched on existing rows.
func (s *Store) WriteOne(ctx context.Context, collection, userID string, fields map[string]any) error {
	if userID == "" {
		return fmt.Errorf("writing %s: empty user id", collection)
	}
	cols, err := WritableFields(collection, fields)
	if err != nil {
		return err
	}

	now := s.now().UTC().Format(time.RFC3339)
	insertCols := []string{"user_id", "created_at", "updated_at"}
	placeholders := []string{"?", "?", "?"}
	args := []any{userID, now, now}
	updates := []string{"updated_at = excluded.updated_at"}

	for _, c := range cols {
		v, err := EncodeValue(c, fields[c.Name])
		if err != nil {
			return err
		}
		insertCols = append(insertCols, c.Name)
		placeholders = append(placeholders, "?")
		args = append(args, v)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT(user_id) DO UPDATE SET %s`,
		collection, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing %s for %s: %w", collection, userID, err)
	}

	s.broker.Publish(Change{Collection: collection, UserID: userID, Op: "upsert"})
	return nil
}

// Subscribe registers fn for changes to userID's row in collection.
func (s *Store) Subscribe(collection, userID string, fn func(Change)) (func(), error) {
	if _, err := Columns(collection); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(collection, userID, fn), nil
}

// Completeness scores userID's profile and stores the result on the profile
// row. Returns 0 when the user has no profile. The score update does not
// publish a change.
func (s *Store) Completeness(ctx context.Context, userID string) (int, error) {
	profileRow, err := s.ReadOne(ctx, CollectionProfiles, userID)
	if err != nil {
		return 0, err
	}
	if profileRow == nil {
		return 0, nil
	}
	talentRow, err := s.ReadOne(ctx, CollectionTalentProfiles, userID)
	if err != nil {
		return 0, err
	}

	score := Score(profileRow, talentRow)
	if current, ok := profileRow["profile_completeness"].(int64); ok && int(current) == score {
		return score, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET profile_completeness = ? WHERE user_id = ?`, score, userID); err != nil {
		return 0, fmt.Errorf("storing completeness for %s: %w", userID, err)
	}
	return score, nil
}
