package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordEvent appends an event to the journal. A missing EventID or
// CreatedAt is filled in.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Details == "" {
		event.Details = "{}"
	}

	query := `
		INSERT INTO provisioning_events (
			event_id, type, source, step, site_id, resource_id, outcome, level, message, details, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.Type,
		event.Source,
		event.Step,
		event.SiteID,
		event.ResourceID,
		event.Outcome,
		event.Level,
		event.Message,
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns journaled events, newest first. A negative
// filter.Limit returns every match.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, event_id, type, source, step, site_id, resource_id, outcome, level, message, details, created_at
		FROM provisioning_events
		WHERE (? IS NULL OR type = ?)
		  AND (? IS NULL OR step = ?)
		  AND (? IS NULL OR site_id = ?)
		  AND (? IS NULL OR outcome = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var since interface{}
	if filter.Since != nil {
		since = filter.Since.UTC()
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Type, filter.Type,
		filter.Step, filter.Step,
		filter.SiteID, filter.SiteID,
		filter.Outcome, filter.Outcome,
		since, since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Source,
			&event.Step,
			&event.SiteID,
			&event.ResourceID,
			&event.Outcome,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ListOrphanedFolders returns every template folder journaled as left
// without its settings template, newest first.
func (s *SQLiteStore) ListOrphanedFolders(ctx context.Context) ([]*Event, error) {
	typ := telemetry.EventTypeOrphanedFolder
	return s.ListEvents(ctx, EventFilter{Type: &typ, Limit: -1})
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Journal returns an event subscriber that records published events.
// Write failures are logged and do not reach the publisher.
func Journal(store Store, logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "journal").Logger()
	return func(e telemetry.Event) {
		details := "{}"
		if len(e.Data) > 0 {
			b, err := json.Marshal(e.Data)
			if err != nil {
				logger.Warn().Err(err).Str("event_id", e.ID).Msg("Dropping unencodable event details")
			} else {
				details = string(b)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := store.RecordEvent(ctx, &Event{
			EventID:    e.ID,
			Type:       e.Type,
			Source:     e.Source,
			Step:       e.Step,
			SiteID:     e.SiteID,
			ResourceID: e.ResourceID,
			Outcome:    e.Outcome,
			Level:      EventLevel(e.Level),
			Message:    e.Message,
			Details:    details,
			CreatedAt:  e.Timestamp,
		})
		if err != nil {
			logger.Error().Err(err).Str("event_id", e.ID).Str("type", e.Type).Msg("Failed to journal event")
		}
	}
}
