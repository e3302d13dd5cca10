package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

// Identity is the stored name of one fan.
type Identity struct {
	Address   string             `json:"address"`
	Name      string             `json:"name"`
	Source    senseme.NameSource `json:"source"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// IdentityRepository persists fan identities in the fan_identity table.
type IdentityRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure IdentityRepository implements senseme.NameStore.
var _ senseme.NameStore = (*IdentityRepository)(nil)

// NewIdentityRepository creates a new SQLite-backed identity repository.
// The db parameter should be an open, migrated SQLite connection.
func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db, now: time.Now}
}

// Get returns the stored identity for an address.
// Returns ErrIdentityNotFound if nothing is stored.
func (r *IdentityRepository) Get(ctx context.Context, address string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT address, name, source, updated_at FROM fan_identity WHERE address = ?`,
		address,
	)

	var id Identity
	var source, updated string
	if err := row.Scan(&id.Address, &id.Name, &source, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("querying fan identity: %w", err)
	}
	id.Source = senseme.NameSource(source)

	ts, err := parseTimestamp(updated)
	if err != nil {
		return nil, err
	}
	id.UpdatedAt = ts
	return &id, nil
}

// Save inserts or replaces the identity for an address.
func (r *IdentityRepository) Save(ctx context.Context, id Identity) error {
	if id.Address == "" || id.Name == "" {
		return fmt.Errorf("%w: address and name are required", ErrInvalidIdentity)
	}
	if id.Source != senseme.NameConfigured && id.Source != senseme.NameDiscovered {
		return fmt.Errorf("%w: source %q", ErrInvalidIdentity, id.Source)
	}
	if id.UpdatedAt.IsZero() {
		id.UpdatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fan_identity (address, name, source, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		id.Address,
		id.Name,
		string(id.Source),
		id.UpdatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving fan identity: %w", err)
	}
	return nil
}

// LoadName implements senseme.NameStore.
func (r *IdentityRepository) LoadName(ctx context.Context, address string) (string, error) {
	id, err := r.Get(ctx, address)
	if errors.Is(err, ErrIdentityNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.Name, nil
}

// SaveName implements senseme.NameStore.
func (r *IdentityRepository) SaveName(ctx context.Context, address, name string, source senseme.NameSource) error {
	return r.Save(ctx, Identity{Address: address, Name: name, Source: source})
}

// timestampLayout is fixed-width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return ts, nil
}
