package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	msPerSecond = 1000

	connectionTimeout = 5 * time.Second

	defaultQueryLimit = 50
	maxQueryLimit     = 500

	purgeInterval = 24 * time.Hour
)

// ErrNotAttached is returned by Detach when the recorder is not subscribed.
var ErrNotAttached = errors.New("history: recorder not attached")

// Config contains recorder settings. These map to the history section of
// config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int

	// RetentionDays is how long rows are kept before the purge loop deletes
	// them. Zero disables purging.
	RetentionDays int
}

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Entry is one recorded state change, as returned by queries.
type Entry struct {
	ID          int64          `json:"id"`
	EntityID    string         `json:"entity_id"`
	Status      string         `json:"status"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	ContextID   string         `json:"context_id,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	Recorded    time.Time      `json:"recorded"`
}

// Recorder persists state changes and answers history queries.
//
// Thread Safety: all methods are safe for concurrent use. Writes are
// serialised by SQLite's single-writer connection.
type Recorder struct {
	db          *sql.DB
	logger      Logger
	retention   time.Duration
	unsubscribe func()
}

// Open creates the database (and its directory) if needed, applies the
// schema, and returns a ready recorder.
func Open(cfg Config, logger Logger) (*Recorder, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	// WAL keeps reads flowing while the recorder writes.
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying history database: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	// First run creates the file during ping; tighten it afterwards.
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Recorder{
		db:        db,
		logger:    logger,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS state_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attributes TEXT,
	context_id TEXT,
	last_changed TIMESTAMP NOT NULL,
	recorded TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_state_history_entity
	ON state_history (entity_id, recorded DESC);
CREATE INDEX IF NOT EXISTS idx_state_history_recorded
	ON state_history (recorded);`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying history schema: %w", err)
	}
	return nil
}

// Attach subscribes the recorder to state changes on b. Recording runs as a
// scheduled task so a slow disk never blocks event delivery.
func (r *Recorder) Attach(b *bus.Bus) error {
	j, err := job.NewDeferred("history:record", func(ctx context.Context, ev *event.Event) error {
		return r.record(ctx, ev)
	})
	if err != nil {
		return err
	}

	unsubscribe, err := b.Subscribe(event.TopicStateChanged, j)
	if err != nil {
		return fmt.Errorf("subscribing recorder: %w", err)
	}
	r.unsubscribe = unsubscribe

	r.logger.Info("history recorder attached")
	return nil
}

// Detach removes the bus subscription. The database stays open for queries.
func (r *Recorder) Detach() error {
	if r.unsubscribe == nil {
		return ErrNotAttached
	}
	r.unsubscribe()
	r.unsubscribe = nil
	return nil
}

// record writes one state_changed event. Removals (nil new_state) are
// recorded with an empty status so the gap is visible in queries.
func (r *Recorder) record(ctx context.Context, ev *event.Event) error {
	entityID, _ := ev.Data["entity_id"].(string)
	if entityID == "" {
		return nil
	}

	var (
		status      string
		attrsJSON   sql.NullString
		lastChanged = ev.TimeFired
	)

	if newState, ok := ev.Data["new_state"].(map[string]any); ok && newState != nil {
		status, _ = newState["status"].(string)
		if attrs, ok := newState["attributes"].(map[string]any); ok && len(attrs) > 0 {
			raw, err := json.Marshal(attrs)
			if err != nil {
				return fmt.Errorf("marshalling attributes: %w", err)
			}
			attrsJSON = sql.NullString{String: string(raw), Valid: true}
		}
		if changed, ok := newState["last_changed"].(time.Time); ok {
			lastChanged = changed
		}
	}

	var contextID string
	if ev.Context != nil {
		contextID = ev.Context.ID
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO state_history (entity_id, status, attributes, context_id, last_changed, recorded)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entityID,
		status,
		attrsJSON,
		contextID,
		lastChanged.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns recent entries for an entity, ordered newest first.
// Limit defaults to 50 and is capped at 500.
func (r *Recorder) History(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entity_id, status, attributes, context_id, last_changed, recorded
		 FROM state_history
		 WHERE entity_id = ?
		 ORDER BY recorded DESC
		 LIMIT ?`,
		entityID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			attrsJSON sql.NullString
			contextID sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.EntityID, &entry.Status,
			&attrsJSON, &contextID, &entry.LastChanged, &entry.Recorded); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}

		if attrsJSON.Valid {
			if err := json.Unmarshal([]byte(attrsJSON.String), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshalling attributes: %w", err)
			}
		}
		entry.ContextID = contextID.String

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Purge deletes entries older than the configured retention. It returns the
// number of rows removed.
func (r *Recorder) Purge(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-r.retention)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging state history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged rows: %w", err)
	}
	return deleted, nil
}

// RunPurgeLoop purges on a daily ticker until ctx is cancelled. Intended to
// run as a tracked background task.
func (r *Recorder) RunPurgeLoop(ctx context.Context) error {
	if r.retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deleted, err := r.Purge(ctx)
			if err != nil {
				r.logger.Error("history purge failed", "error", err)
				continue
			}
			if deleted > 0 {
				r.logger.Info("history purged", "rows", deleted)
			}
		}
	}
}

// HealthCheck verifies the database is accessible.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	var result int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("history health check failed: %w", err)
	}
	return nil
}

// Close detaches from the bus if needed and closes the database.
func (r *Recorder) Close() error {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("closing history database: %w", err)
	}
	return nil
}
