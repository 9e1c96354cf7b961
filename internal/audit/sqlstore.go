package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL dialects understood by SQLStore.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore is a Sink that appends events to an audit_events table.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

var (
	_ Sink   = (*SQLStore)(nil)
	_ Reader = (*SQLStore)(nil)
)

// OpenSQLStore opens a database with the named driver and prepares the
// schema. driver is "sqlite" (pure Go, modernc.org/sqlite) or "postgres".
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("audit database dsn is required")
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases shared and writes serialized.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	store, err := NewSQLStore(ctx, db, dialect, logger)
	if err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	d, err := dialectFor(dialect)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, dialect: d, logger: logger.With("component", "audit.sql")}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func dialectFor(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported audit database driver %q", driver)
	}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			device_id TEXT,
			conversation_id TEXT,
			tool_name TEXT,
			tool_call_id TEXT,
			action TEXT NOT NULL,
			details TEXT,
			duration_ms BIGINT,
			error TEXT,
			trace_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_device_idx ON audit_events (device_id, occurred_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create audit schema: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Write implements Sink.
func (s *SQLStore) Write(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	var details sql.NullString
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO audit_events (id, type, level, occurred_at, device_id, conversation_id, tool_name, tool_call_id, action, details, duration_ms, error, trace_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`),
		event.ID,
		string(event.Type),
		string(event.Level),
		event.Timestamp.UnixNano(),
		nullableString(event.DeviceID),
		nullableString(event.ConversationID),
		nullableString(event.ToolName),
		nullableString(event.ToolCallID),
		event.Action,
		details,
		event.Duration.Milliseconds(),
		nullableString(event.Error),
		nullableString(event.TraceID),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events, optionally for one device and limited
// to the given types.
func (s *SQLStore) Recent(ctx context.Context, deviceID string, limit int, types ...EventType) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, level, occurred_at, device_id, conversation_id, tool_name, tool_call_id, action, details, duration_ms, error, trace_id FROM audit_events`
	var (
		where []string
		args  []any
	)
	if deviceID != "" {
		where = append(where, `device_id = ?`)
		args = append(args, deviceID)
	}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, typ := range types {
			marks[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, `type IN (`+strings.Join(marks, ", ")+`)`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                               Event
			typ, level                                      string
			occurred, durationMs                            int64
			device, conv, tool, callID, details, errMsg, tr sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &level, &occurred, &device, &conv, &tool, &callID, &e.Action, &details, &durationMs, &errMsg, &tr); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(typ)
		e.Level = Level(level)
		e.Timestamp = time.Unix(0, occurred)
		e.DeviceID = device.String
		e.ConversationID = conv.String
		e.ToolName = tool.String
		e.ToolCallID = callID.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.Error = errMsg.String
		e.TraceID = tr.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.logger.Warn("invalid audit details", "id", e.ID, "error", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
