package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// recordTimeout bounds a single history insert.
	recordTimeout = 2 * time.Second
)

// Command outcomes stored in history.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// CommandEntry is one row of command history.
type CommandEntry struct {
	ID        int64          `json:"id"`
	CommandID string         `json:"command_id"`
	Field     senseme.Field  `json:"field"`
	Origin    senseme.Origin `json:"origin"`
	Requested *int           `json:"requested,omitempty"`
	Reported  *int           `json:"reported,omitempty"`
	Outcome   string         `json:"outcome"`
	Attempts  int            `json:"attempts"`
	LatencyMS int64          `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

// HistoryRepository stores the outcome of every command. It is a
// senseme.Observer so the bridge records into it directly.
//
// This provides a local audit trail even when the time-series database is
// unavailable.
type HistoryRepository struct {
	db     *sql.DB
	logger Logger
	now    func() time.Time
}

// Ensure HistoryRepository implements senseme.Observer.
var _ senseme.Observer = (*HistoryRepository)(nil)

// NewHistoryRepository creates a new SQLite command history repository.
//
// Parameters:
//   - db: Open, migrated SQLite connection used for queries
//   - logger: Receives insert failures from ObserveCommand (may be nil)
//
// Returns:
//   - *HistoryRepository: Repository instance ready for use
func NewHistoryRepository(db *sql.DB, logger Logger) *HistoryRepository {
	return &HistoryRepository{db: db, logger: logger, now: time.Now}
}

// Record inserts one command outcome.
func (r *HistoryRepository) Record(ctx context.Context, rec senseme.CommandRecord) error {
	if rec.Field == "" {
		return fmt.Errorf("field is required")
	}

	outcome := outcomeOf(rec.Err)
	var requested, reported, errText any
	if outcome != OutcomeRejected {
		requested = rec.Requested
	}
	if outcome == OutcomeAccepted {
		reported = rec.Reported
	}
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	origin := rec.Origin
	if origin == "" {
		origin = senseme.OriginREST
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_history
			(command_id, field, origin, requested, reported, outcome, attempts, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Field),
		string(origin),
		requested,
		reported,
		outcome,
		rec.Attempts,
		rec.Latency.Milliseconds(),
		errText,
		r.now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command history: %w", err)
	}
	return nil
}

// ObserveCommand implements senseme.Observer.
func (r *HistoryRepository) ObserveCommand(rec senseme.CommandRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.Record(ctx, rec); err != nil && r.logger != nil {
		r.logger.Warn("failed to record command history", "command_id", rec.ID, "error", err)
	}
}

// ObservePoll implements senseme.Observer. Polls are not stored.
func (r *HistoryRepository) ObservePoll(senseme.PollRecord) {}

// List returns recent commands, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []CommandEntry: Entries ordered newest first (may be empty)
//   - error: nil on success, otherwise the underlying query error
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, command_id, field, origin, requested, reported, outcome,
			attempts, latency_ms, error, created_at
		 FROM command_history
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	entries := make([]CommandEntry, 0, limit)
	for rows.Next() {
		var e CommandEntry
		var field, origin, created string
		var requested, reported sql.NullInt64
		var errText sql.NullString

		if err := rows.Scan(&e.ID, &e.CommandID, &field, &origin, &requested, &reported,
			&e.Outcome, &e.Attempts, &e.LatencyMS, &errText, &created); err != nil {
			return nil, fmt.Errorf("scanning command history: %w", err)
		}

		e.Field = senseme.Field(field)
		e.Origin = senseme.Origin(origin)
		e.Requested = nullableInt(requested)
		e.Reported = nullableInt(reported)
		e.Error = errText.String

		ts, err := parseTimestamp(created)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = ts

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the given duration.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *HistoryRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM command_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting command history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeAccepted
	case errors.Is(err, senseme.ErrOutOfRange), errors.Is(err, senseme.ErrUnknownField):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
