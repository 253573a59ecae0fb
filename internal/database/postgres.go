package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS feedback_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		feedback_id TEXT NOT NULL,
		type TEXT NOT NULL,
		session_id TEXT,
		message TEXT NOT NULL,
		pattern_key TEXT NOT NULL,
		decided_intent TEXT,
		action TEXT NOT NULL,
		corrected_intent TEXT,
		corrected_module TEXT,
		from_escalation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS confidence_weights (
		module_name TEXT NOT NULL,
		pattern_key TEXT NOT NULL,
		adjustment INTEGER NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (module_name, pattern_key)
	);

	CREATE TABLE IF NOT EXISTS command_totals (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_commands BIGINT NOT NULL,
		last_module TEXT,
		last_executed_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_log_pattern ON feedback_log(pattern_key);
	`

// NewPostgres creates a PostgreSQL database connection.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db, dialect: dialectPostgres}
	if err := d.initSchema(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}
