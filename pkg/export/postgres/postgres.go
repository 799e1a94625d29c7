// Package postgres is a durable export sink: completed spans are written
// to PostgreSQL and can be read back reassembled by trace.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/trace"
)

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "weft",
		Password:        "weft",
		Database:        "weft",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS weft_spans (
	trace_id       TEXT        NOT NULL,
	span_id        TEXT        NOT NULL,
	parent_span_id TEXT        NOT NULL DEFAULT '',
	name           TEXT        NOT NULL,
	kind           TEXT        NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ NOT NULL,
	status         TEXT        NOT NULL,
	status_message TEXT        NOT NULL DEFAULT '',
	attributes     JSONB       NOT NULL DEFAULT '[]',
	events         JSONB       NOT NULL DEFAULT '[]',
	PRIMARY KEY (trace_id, span_id)
);
CREATE INDEX IF NOT EXISTS weft_spans_start_time_idx ON weft_spans (start_time DESC);
`

// Store is a PostgreSQL-backed span sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Connect opens the database, configures the pool and ensures the schema.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "postgres")}, nil
}

type attrRow struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type eventRow struct {
	Name       string    `json:"name"`
	Time       time.Time `json:"time"`
	Attributes []attrRow `json:"attributes,omitempty"`
}

// ExportSpans writes the batch in a single transaction. Replayed spans
// (same trace and span id) are ignored.
func (s *Store) ExportSpans(ctx context.Context, spans []trace.SpanSnapshot) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	const insert = `
		INSERT INTO weft_spans
			(trace_id, span_id, parent_span_id, name, kind, start_time,
			 end_time, status, status_message, attributes, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id, span_id) DO NOTHING`

	for _, snap := range spans {
		attrs, err := json.Marshal(encodeAttrs(snap.Attributes))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		events, err := json.Marshal(encodeEvents(snap.Events))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode events: %w", err)
		}

		parent := ""
		if snap.ParentSpanID.IsValid() {
			parent = snap.ParentSpanID.String()
		}

		if _, err := tx.ExecContext(ctx, insert,
			snap.TraceID.String(), snap.SpanID.String(), parent,
			snap.Name, snap.Kind.String(), snap.StartTime, snap.EndTime,
			snap.Status.String(), snap.StatusMessage, attrs, events,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert span %s: %w", snap.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spans: %w", err)
	}

	s.logger.Debug("spans stored", "count", len(spans))
	return nil
}

// Shutdown closes the connection pool.
func (s *Store) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

// GetTrace returns every stored span of a trace in start-time order.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]trace.SpanSnapshot, error) {
	const query = `
		SELECT trace_id, span_id, parent_span_id, name, kind, start_time,
		       end_time, status, status_message, attributes, events
		FROM weft_spans
		WHERE trace_id = $1
		ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, query, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	defer rows.Close()

	var spans []trace.SpanSnapshot
	for rows.Next() {
		snap, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, snap)
	}
	return spans, rows.Err()
}

// RecentTraceIDs lists the most recently started trace IDs.
func (s *Store) RecentTraceIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT trace_id
		FROM weft_spans
		GROUP BY trace_id
		ORDER BY MIN(start_time) DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSpan(rows *sql.Rows) (trace.SpanSnapshot, error) {
	var (
		snap                          trace.SpanSnapshot
		traceID, spanID, parentSpanID string
		kind, status                  string
		attrsJSON, eventsJSON         []byte
	)
	if err := rows.Scan(&traceID, &spanID, &parentSpanID, &snap.Name, &kind,
		&snap.StartTime, &snap.EndTime, &status, &snap.StatusMessage,
		&attrsJSON, &eventsJSON); err != nil {
		return trace.SpanSnapshot{}, fmt.Errorf("failed to scan span: %w", err)
	}

	var err error
	if snap.TraceID, err = trace.ParseTraceID(traceID); err != nil {
		return trace.SpanSnapshot{}, err
	}
	if snap.SpanID, err = trace.ParseSpanID(spanID); err != nil {
		return trace.SpanSnapshot{}, err
	}
	if parentSpanID != "" {
		if snap.ParentSpanID, err = trace.ParseSpanID(parentSpanID); err != nil {
			return trace.SpanSnapshot{}, err
		}
	}
	snap.Kind = parseKind(kind)
	snap.Status = parseStatus(status)
	snap.Sampled = true

	var attrs []attrRow
	if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
		return trace.SpanSnapshot{}, fmt.Errorf("failed to decode attributes: %w", err)
	}
	snap.Attributes = decodeAttrs(attrs)

	var events []eventRow
	if err := json.Unmarshal(eventsJSON, &events); err != nil {
		return trace.SpanSnapshot{}, fmt.Errorf("failed to decode events: %w", err)
	}
	for _, ev := range events {
		snap.Events = append(snap.Events, trace.Event{
			Name:       ev.Name,
			Time:       ev.Time,
			Attributes: decodeAttrs(ev.Attributes),
		})
	}

	return snap, nil
}

func encodeAttrs(attrs []trace.Attribute) []attrRow {
	out := make([]attrRow, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, attrRow{Key: a.Key, Value: a.Value})
	}
	return out
}

func decodeAttrs(rows []attrRow) []trace.Attribute {
	out := make([]trace.Attribute, 0, len(rows))
	for _, r := range rows {
		out = append(out, trace.Attribute{Key: r.Key, Value: r.Value})
	}
	return out
}

func encodeEvents(events []trace.Event) []eventRow {
	out := make([]eventRow, 0, len(events))
	for _, ev := range events {
		out = append(out, eventRow{
			Name:       ev.Name,
			Time:       ev.Time,
			Attributes: encodeAttrs(ev.Attributes),
		})
	}
	return out
}

func parseKind(s string) trace.SpanKind {
	switch s {
	case "server":
		return trace.SpanKindServer
	case "client":
		return trace.SpanKindClient
	case "producer":
		return trace.SpanKindProducer
	case "consumer":
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

func parseStatus(s string) trace.StatusCode {
	switch s {
	case "ok":
		return trace.StatusOK
	case "error":
		return trace.StatusError
	default:
		return trace.StatusUnset
	}
}

var _ emit.Exporter = (*Store)(nil)
