// Package postgres implements the profile store on PostgreSQL. Changes are
// announced with NOTIFY so every instance listening on the same database
// sees writes made by any of them.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/profilesync/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Channel is the NOTIFY channel carrying profile changes.
const Channel = "profile_changes"

// Store is a PostgreSQL-backed profile store.
type Store struct {
	pool   *pgxpool.Pool
	broker *storage.Broker
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects to dsn, runs pending migrations and starts the change listener.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	pingCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{pool: pool, broker: storage.NewBroker(), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(listenCtx)
	return s, nil
}

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return nil
}

// Broker returns the broker fed by NOTIFY deliveries.
func (s *Store) Broker() *storage.Broker {
	return s.broker
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
		version, err := storage.ParseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)", version).Scan(&exists); err != nil {
				return fmt.Errorf("checking migration %d: %w", version, err)
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("applying migration %d: %w", version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
				return fmt.Errorf("recording migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadOne returns the row for userID in collection, or nil when it does not exist.
func (s *Store) ReadOne(ctx context.Context, collection, userID string) (map[string]any, error) {
	cols, err := storage.Columns(collection)
	if err != nil {
		return nil, err
	}

	vals := make([]*string, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}

	err = s.pool.QueryRow(ctx, selectQuery(collection, cols), userID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s for %s: %w", collection, userID, err)
	}

	row := make(map[string]any, len(cols)+1)
	row["user_id"] = userID
	for i, c := range cols {
		var raw any
		if vals[i] != nil {
			raw = *vals[i]
		}
		row[c.Name] = storage.DecodeValue(c, raw)
	}
	return row, nil
}

// WriteOne upserts fields for userID and sends a NOTIFY in the same transaction.
func (s *Store) WriteOne(ctx context.Context, collection, userID string, fields map[string]any) error {
	if userID == "" {
		return fmt.Errorf("writing %s: empty user id", collection)
	}
	cols, err := storage.WritableFields(collection, fields)
	if err != nil {
		return err
	}

	args := []any{userID, s.now().UTC()}
	for _, c := range cols {
		v, err := storage.EncodeValue(c, fields[c.Name])
		if err != nil {
			return err
		}
		args = append(args, v)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertQuery(collection, cols), args...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, notifyPayload(collection, userID))
		return err
	})
	if err != nil {
		return fmt.Errorf("writing %s for %s: %w", collection, userID, err)
	}
	return nil
}

// Subscribe registers fn for changes to userID's row in collection.
func (s *Store) Subscribe(collection, userID string, fn func(storage.Change)) (func(), error) {
	if _, err := storage.Columns(collection); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(collection, userID, fn), nil
}

// Completeness scores userID's profile and stores it on the profile row
// without sending a NOTIFY.
func (s *Store) Completeness(ctx context.Context, userID string) (int, error) {
	profileRow, err := s.ReadOne(ctx, storage.CollectionProfiles, userID)
	if err != nil {
		return 0, err
	}
	if profileRow == nil {
		return 0, nil
	}
	talentRow, err := s.ReadOne(ctx, storage.CollectionTalentProfiles, userID)
	if err != nil {
		return 0, err
	}

	score := storage.Score(profileRow, talentRow)
	if _, err := s.pool.Exec(ctx,
		`UPDATE profiles SET profile_completeness = $1 WHERE user_id = $2 AND profile_completeness <> $1`,
		score, userID); err != nil {
		return 0, fmt.Errorf("storing completeness for %s: %w", userID, err)
	}
	return score, nil
}

// listen holds one pooled connection in LISTEN and feeds the broker until
// ctx is cancelled. Lost connections are retried with a capped backoff.
func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	backoff := time.Second
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("postgres change listener stopped, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listening on %s: %w", Channel, err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := parsePayload(n.Payload)
		if err != nil {
			slog.Warn("ignoring malformed change notification", "payload", n.Payload, "error", err)
			continue
		}
		s.broker.Deliver(c)
	}
}

// selectQuery reads every column as text so decoding is shared with the
// SQLite driver.
func selectQuery(collection string, cols []storage.Column) string {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		if c.Kind == storage.KindTime {
			exprs[i] = fmt.Sprintf("to_json(%s) #>> '{}'", c.Name)
		} else {
			exprs[i] = c.Name + "::text"
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1", strings.Join(exprs, ", "), collection)
}

// upsertQuery expects args as user_id, timestamp, then one value per column.
func upsertQuery(collection string, cols []storage.Column) string {
	insertCols := []string{"user_id", "created_at", "updated_at"}
	placeholders := []string{"$1", "$2", "$2"}
	updates := []string{"updated_at = excluded.updated_at"}
	for i, c := range cols {
		p := fmt.Sprintf("$%d", i+3)
		switch c.Kind {
		case storage.KindJSONList, storage.KindJSONMap:
			p += "::text::jsonb"
		case storage.KindTime:
			p += "::timestamptz"
		}
		insertCols = append(insertCols, c.Name)
		placeholders = append(placeholders, p)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (user_id) DO UPDATE SET %s",
		collection, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
}

func notifyPayload(collection, userID string) string {
	return collection + ":" + userID
}

func parsePayload(payload string) (storage.Change, error) {
	collection, userID, ok := strings.Cut(payload, ":")
	if !ok || userID == "" {
		return storage.Change{}, fmt.Errorf("payload %q is not collection:user_id", payload)
	}
	if _, err := storage.Columns(collection); err != nil {
		return storage.Change{}, err
	}
	return storage.Change{Collection: collection, UserID: userID, Op: "upsert", Origin: "postgres"}, nil
}
