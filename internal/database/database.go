// Package database persists the feedback log, confidence weights and
// command totals in SQLite or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Database implements feedback.Store over database/sql.
type Database struct {
	db      *sql.DB
	dialect dialect
}

var _ feedback.Store = (*Database)(nil)

// New opens (creating if needed) a SQLite database and initializes the schema.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	d := &Database{db: db, dialect: dialectSQLite}
	if err := d.initSchema(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS feedback_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
		from_escalation BOOLEAN NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS confidence_weights (
		module_name TEXT NOT NULL,
		pattern_key TEXT NOT NULL,
		adjustment INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (module_name, pattern_key)
	);

	CREATE TABLE IF NOT EXISTS command_totals (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_commands INTEGER NOT NULL,
		last_module TEXT,
		last_executed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_log_pattern ON feedback_log(pattern_key);
	`

func (d *Database) initSchema(schema string) error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// q adapts a ?-placeholder query to the dialect.
func (d *Database) q(query string) string {
	if d.dialect == dialectPostgres {
		return rebind(query)
	}
	return query
}

// DB returns the underlying handle.
func (d *Database) DB() *sql.DB { return d.db }

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) AppendFeedback(ctx context.Context, rec *models.FeedbackRecord) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO feedback_log (id, feedback_id, type, session_id, message, pattern_key,
			decided_intent, action, corrected_intent, corrected_module, from_escalation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.ID, rec.FeedbackID, string(rec.Type), rec.SessionID, rec.Message, rec.PatternKey,
		rec.DecidedIntent, string(rec.Action), rec.CorrectedIntent, rec.CorrectedModule,
		rec.FromEscalation, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback record: %w", err)
	}
	return nil
}

func (d *Database) ListFeedback(ctx context.Context, limit int) ([]*models.FeedbackRecord, error) {
	query := `
		SELECT id, feedback_id, type, session_id, message, pattern_key, decided_intent,
			action, corrected_intent, corrected_module, from_escalation, created_at
		FROM feedback_log ORDER BY seq ASC`
	var args []interface{}
	if limit > 0 {
		// Newest N, returned oldest first.
		query = `SELECT * FROM (
			SELECT seq, id, feedback_id, type, session_id, message, pattern_key, decided_intent,
				action, corrected_intent, corrected_module, from_escalation, created_at
			FROM feedback_log ORDER BY seq DESC LIMIT ?
		) recent ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback log: %w", err)
	}
	defer rows.Close()

	var records []*models.FeedbackRecord
	for rows.Next() {
		var (
			rec                              models.FeedbackRecord
			seq, createdAt                   int64
			typ, action                      string
			sessionID, decided               sql.NullString
			correctedIntent, correctedModule sql.NullString
		)
		dest := []interface{}{
			&rec.ID, &rec.FeedbackID, &typ, &sessionID, &rec.Message, &rec.PatternKey, &decided,
			&action, &correctedIntent, &correctedModule, &rec.FromEscalation, &createdAt,
		}
		if limit > 0 {
			dest = append([]interface{}{&seq}, dest...)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan feedback record: %w", err)
		}
		rec.Type = models.FeedbackType(typ)
		rec.Action = models.FeedbackAction(action)
		rec.SessionID = sessionID.String
		rec.DecidedIntent = decided.String
		rec.CorrectedIntent = correctedIntent.String
		rec.CorrectedModule = correctedModule.String
		rec.CreatedAt = time.Unix(0, createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (d *Database) LoadWeights(ctx context.Context) ([]models.ConfidenceWeight, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT module_name, pattern_key, adjustment, updated_at
		FROM confidence_weights ORDER BY module_name, pattern_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query weights: %w", err)
	}
	defer rows.Close()

	var weights []models.ConfidenceWeight
	for rows.Next() {
		var w models.ConfidenceWeight
		var updated int64
		if err := rows.Scan(&w.ModuleName, &w.PatternKey, &w.Adjustment, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		w.UpdatedAt = time.Unix(0, updated)
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

func (d *Database) SaveWeights(ctx context.Context, weights []models.ConfidenceWeight) error {
	if len(weights) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, d.q(`
		INSERT INTO confidence_weights (module_name, pattern_key, adjustment, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (module_name, pattern_key)
		DO UPDATE SET adjustment = excluded.adjustment, updated_at = excluded.updated_at
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare weight upsert: %w", err)
	}
	defer stmt.Close()

	for _, w := range weights {
		if _, err := stmt.ExecContext(ctx, w.ModuleName, w.PatternKey, w.Adjustment, w.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to save weight %s/%s: %w", w.ModuleName, w.PatternKey, err)
		}
	}
	return tx.Commit()
}

func (d *Database) LoadTotals(ctx context.Context) (feedback.Totals, error) {
	var (
		totals   feedback.Totals
		module   sql.NullString
		executed int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT total_commands, last_module, last_executed_at FROM command_totals WHERE id = 1`,
	).Scan(&totals.TotalCommands, &module, &executed)
	if errors.Is(err, sql.ErrNoRows) {
		return feedback.Totals{}, nil
	}
	if err != nil {
		return feedback.Totals{}, fmt.Errorf("failed to load totals: %w", err)
	}
	totals.LastModule = module.String
	if executed > 0 {
		totals.LastExecutedAt = time.Unix(0, executed)
	}
	return totals, nil
}

func (d *Database) SaveTotals(ctx context.Context, totals feedback.Totals) error {
	var executed int64
	if !totals.LastExecutedAt.IsZero() {
		executed = totals.LastExecutedAt.UnixNano()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO command_totals (id, total_commands, last_module, last_executed_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET total_commands = excluded.total_commands,
			last_module = excluded.last_module,
			last_executed_at = excluded.last_executed_at
	`), totals.TotalCommands, totals.LastModule, executed)
	if err != nil {
		return fmt.Errorf("failed to save totals: %w", err)
	}
	return nil
}
