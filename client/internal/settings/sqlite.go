package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps settings in a SQLite file. Writes by other processes
// (for example `cr-client config endpoint` while the daemon runs) are picked
// up by polling a per-key version counter.
type SQLiteStore struct {
	*notifier
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]int64

	stop chan struct{}
	done chan struct{}
}

// NewSQLite opens (creating if needed) the database at dsn and starts the
// change poller. A non-positive poll interval disables polling.
func NewSQLite(dsn string, poll time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create settings dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		notifier: newNotifier(),
		db:       db,
		logger:   logger.With("component", "settings", "driver", "sqlite"),
		versions: make(map[string]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.load(context.Background(), false); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if poll > 0 {
		go s.pollLoop(poll)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = settings.version + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE settings.value <> excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return s.load(ctx, true)
}

func (s *SQLiteStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.closeAll()
	return s.db.Close()
}

// load reads every row and, when report is set, emits the keys whose
// version moved since the last load.
func (s *SQLiteStore) load(ctx context.Context, report bool) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value, version FROM settings")
	if err != nil {
		return err
	}
	defer rows.Close()

	var changed []Change
	s.mu.Lock()
	for rows.Next() {
		var c Change
		var version int64
		if err := rows.Scan(&c.Key, &c.Value, &version); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.versions[c.Key] != version {
			s.versions[c.Key] = version
			changed = append(changed, c)
		}
	}
	s.mu.Unlock()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range changed {
		if report {
			s.emit(c.Key, c.Value)
		} else {
			s.seed(c.Key, c.Value)
		}
	}
	return nil
}

func (s *SQLiteStore) pollLoop(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.load(context.Background(), true); err != nil {
				s.logger.Warn("poll settings failed", "error", err)
			}
		}
	}
}
