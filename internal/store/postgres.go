package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bashSunny101/VulnServer/internal/correlation"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/lib/pq"
)

const eventColumns = `source, eventid, src_ip, ts, session, input, alert_msg, protocol,
		connection_type, priority, country_code, country_name, in_blocklist,
		abuse_confidence_score, is_bot, attack_speed, is_persistent, mitre_techniques`

const schema = `
CREATE TABLE IF NOT EXISTS honeypot_events (
	id                     BIGSERIAL PRIMARY KEY,
	source                 TEXT NOT NULL,
	eventid                TEXT NOT NULL DEFAULT '',
	src_ip                 TEXT NOT NULL DEFAULT '',
	ts                     TIMESTAMPTZ,
	session                TEXT NOT NULL DEFAULT '',
	input                  TEXT NOT NULL DEFAULT '',
	alert_msg              TEXT NOT NULL DEFAULT '',
	protocol               TEXT NOT NULL DEFAULT '',
	connection_type        TEXT NOT NULL DEFAULT '',
	priority               INTEGER NOT NULL DEFAULT 0,
	country_code           TEXT NOT NULL DEFAULT '',
	country_name           TEXT NOT NULL DEFAULT '',
	in_blocklist           BOOLEAN NOT NULL DEFAULT FALSE,
	abuse_confidence_score INTEGER NOT NULL DEFAULT 0,
	is_bot                 BOOLEAN NOT NULL DEFAULT FALSE,
	attack_speed           TEXT NOT NULL DEFAULT '',
	is_persistent          BOOLEAN NOT NULL DEFAULT FALSE,
	mitre_techniques       TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS honeypot_events_src_ip_ts ON honeypot_events (src_ip, ts);
CREATE INDEX IF NOT EXISTS honeypot_events_source_ts ON honeypot_events (source, ts);
`

// PostgresEventStore reads and writes honeypot events in PostgreSQL
type PostgresEventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresEventStore opens a connection pool for dsn and verifies it
func NewPostgresEventStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresEventStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresEventStore{
		db:     db,
		logger: logger,
	}, nil
}

// NewPostgresEventStoreFromDB wraps an existing pool
func NewPostgresEventStoreFromDB(db *sql.DB, logger *slog.Logger) *PostgresEventStore {
	return &PostgresEventStore{db: db, logger: logger}
}

// Close closes the database connection
func (s *PostgresEventStore) Close() error {
	return s.db.Close()
}

// Health checks if the database is accessible
func (s *PostgresEventStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the events table and its indexes if missing
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append inserts events in one transaction
func (s *PostgresEventStore) Append(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO honeypot_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		if !ev.Source.Valid() {
			return fmt.Errorf("event %d: unknown source %q", i, ev.Source)
		}

		var ts sql.NullTime
		if ev.HasTimestamp() {
			ts = sql.NullTime{Time: ev.Timestamp.UTC(), Valid: true}
		}
		techniques := ev.MitreTechniques
		if techniques == nil {
			techniques = []string{}
		}

		_, err := stmt.ExecContext(ctx,
			string(ev.Source), ev.EventID, ev.SrcIP, ts, ev.Session, ev.Input, ev.AlertMsg, ev.Protocol,
			ev.ConnectionType, ev.Priority, ev.Geo.CountryCode, ev.Geo.CountryName, ev.Reputation.InBlocklist,
			ev.Reputation.AbuseConfidenceScore, ev.IsBot, ev.AttackSpeed, ev.IsPersistent, pq.Array(techniques))
		if err != nil {
			return fmt.Errorf("failed to insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// Query returns matching events ordered by timestamp ascending
func (s *PostgresEventStore) Query(ctx context.Context, q correlation.Query) ([]model.Event, error) {
	query, args, err := buildEventQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var source string
		var ts sql.NullTime
		var techniques pq.StringArray

		err := rows.Scan(&source, &ev.EventID, &ev.SrcIP, &ts, &ev.Session, &ev.Input, &ev.AlertMsg, &ev.Protocol,
			&ev.ConnectionType, &ev.Priority, &ev.Geo.CountryCode, &ev.Geo.CountryName, &ev.Reputation.InBlocklist,
			&ev.Reputation.AbuseConfidenceScore, &ev.IsBot, &ev.AttackSpeed, &ev.IsPersistent, &techniques)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Source = model.Source(source)
		if ts.Valid {
			ev.Timestamp = ts.Time.UTC()
		}
		if len(techniques) > 0 {
			ev.MitreTechniques = []string(techniques)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// DistinctSourceIPs returns the distinct non-empty source addresses active in r
func (s *PostgresEventStore) DistinctSourceIPs(ctx context.Context, r model.TimeRange) ([]string, error) {
	where, args := rangeClause(r, nil)
	where = append(where, "src_ip <> ''")

	query := "SELECT DISTINCT src_ip FROM honeypot_events WHERE " + strings.Join(where, " AND ") + " ORDER BY src_ip"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query source IPs: %w", err)
	}
	defer rows.Close()

	ips := []string{}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan source IP: %w", err)
		}
		ips = append(ips, ip)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ips, nil
}

// buildEventQuery renders q as a parameterised SELECT
func buildEventQuery(q correlation.Query) (string, []any, error) {
	if err := validateTerms(q.Terms); err != nil {
		return "", nil, err
	}

	var where []string
	var args []any

	if len(q.Sources) > 0 {
		sources := make([]string, len(q.Sources))
		for i, src := range q.Sources {
			sources[i] = string(src)
		}
		args = append(args, pq.Array(sources))
		where = append(where, fmt.Sprintf("source = ANY($%d)", len(args)))
	}

	if q.IP != "" {
		args = append(args, q.IP)
		where = append(where, fmt.Sprintf("src_ip = $%d", len(args)))
	}

	var rangeWhere []string
	rangeWhere, args = rangeClause(q.Range, args)
	where = append(where, rangeWhere...)

	fields := make([]string, 0, len(q.Terms))
	for field := range q.Terms {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		args = append(args, q.Terms[field])
		where = append(where, fmt.Sprintf("LOWER(%s) = LOWER($%d)", termFields[field], len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + eventColumns + " FROM honeypot_events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts ASC NULLS FIRST, id ASC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return b.String(), args, nil
}

// rangeClause appends the time bounds of r; a zero bound leaves that side open
func rangeClause(r model.TimeRange, args []any) ([]string, []any) {
	var where []string
	if !r.Start.IsZero() {
		args = append(args, r.Start.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !r.End.IsZero() {
		args = append(args, r.End.UTC())
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	return where, args
}
