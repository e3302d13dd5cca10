package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/database"
	"github.com/nerrad567/haiku-bridge/migrations"
)

// setupTestDB opens a migrated SQLite database in a temp directory.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ===== Identity =====

func TestIdentityRepository_SaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db.DB)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "10.0.0.5"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("Get() on empty table error = %v, want ErrIdentityNotFound", err)
	}

	if err := repo.SaveName(ctx, "10.0.0.5", "Living Room Fan", senseme.NameDiscovered); err != nil {
		t.Fatalf("SaveName() error = %v", err)
	}

	id, err := repo.Get(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if id.Name != "Living Room Fan" || id.Source != senseme.NameDiscovered {
		t.Errorf("Get() = %+v", id)
	}
	if id.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}

	// Upsert replaces the row.
	if err := repo.SaveName(ctx, "10.0.0.5", "Den", senseme.NameConfigured); err != nil {
		t.Fatalf("SaveName() second call error = %v", err)
	}
	name, err := repo.LoadName(ctx, "10.0.0.5")
	if err != nil || name != "Den" {
		t.Errorf("LoadName() = %q, %v, want Den", name, err)
	}
}

func TestIdentityRepository_LoadNameMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db.DB)

	name, err := repo.LoadName(context.Background(), "10.9.9.9")
	if err != nil || name != "" {
		t.Errorf("LoadName() = %q, %v, want empty and nil", name, err)
	}
}

func TestIdentityRepository_Validation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db.DB)
	ctx := context.Background()

	tests := []struct {
		name string
		id   Identity
	}{
		{"missing address", Identity{Name: "Den", Source: senseme.NameConfigured}},
		{"missing name", Identity{Address: "10.0.0.5", Source: senseme.NameConfigured}},
		{"bad source", Identity{Address: "10.0.0.5", Name: "Den", Source: "guessed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Save(ctx, tt.id); !errors.Is(err, ErrInvalidIdentity) {
				t.Errorf("Save() error = %v, want ErrInvalidIdentity", err)
			}
		})
	}
}

func TestResolveNameWithRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdentityRepository(db.DB)
	ctx := context.Background()

	if err := repo.SaveName(ctx, "127.0.0.1:1", "Bedroom", senseme.NameDiscovered); err != nil {
		t.Fatalf("SaveName() error = %v", err)
	}

	// Nothing listens on port 1, so discovery fails and the stored name is used.
	link, err := senseme.NewLink(senseme.LinkConfig{
		Address:         "127.0.0.1",
		Port:            1,
		ResponseTimeout: 20 * time.Millisecond,
		Backoff:         []time.Duration{0},
	})
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	defer link.Close()

	if got := senseme.ResolveName(ctx, link, repo, link.Addr(), nil); got != "Bedroom" {
		t.Errorf("ResolveName() = %q, want Bedroom", got)
	}
	if link.Name() != "Bedroom" {
		t.Errorf("link.Name() = %q, want Bedroom", link.Name())
	}
}

// ===== History =====

func TestHistoryRepository_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	ctx := context.Background()

	records := []senseme.CommandRecord{
		{ID: "a", Field: senseme.FieldSpeed, Origin: senseme.OriginREST, Requested: 4, Reported: 4, Attempts: 1, Latency: 12 * time.Millisecond},
		{ID: "b", Field: senseme.FieldSpeed, Origin: senseme.OriginBus, Err: senseme.ErrOutOfRange},
		{ID: "c", Field: senseme.FieldPower, Origin: senseme.OriginBus, Requested: 1, Attempts: 3, Err: &senseme.CommandError{Err: senseme.ErrTimeout}},
	}
	for _, rec := range records {
		if err := repo.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s) error = %v", rec.ID, err)
		}
	}

	entries, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}

	// Newest first
	if entries[0].CommandID != "c" || entries[0].Outcome != OutcomeFailed || entries[0].Attempts != 3 {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[0].Reported != nil {
		t.Errorf("failed entry Reported = %v, want nil", *entries[0].Reported)
	}
	if entries[1].Outcome != OutcomeRejected || entries[1].Requested != nil {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if entries[2].Outcome != OutcomeAccepted || entries[2].Reported == nil || *entries[2].Reported != 4 {
		t.Errorf("entries[2] = %+v", entries[2])
	}
	if entries[2].LatencyMS != 12 {
		t.Errorf("LatencyMS = %d, want 12", entries[2].LatencyMS)
	}
}

func TestHistoryRepository_ListLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		repo.ObserveCommand(senseme.CommandRecord{ID: "x", Field: senseme.FieldSpeed, Origin: senseme.OriginREST})
	}

	entries, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("List(2) returned %d entries", len(entries))
	}
}

func TestHistoryRepository_Prune(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHistoryRepository(db.DB, nil)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	repo.now = func() time.Time { return old }
	if err := repo.Record(ctx, senseme.CommandRecord{ID: "old", Field: senseme.FieldSpeed}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	repo.now = time.Now
	if err := repo.Record(ctx, senseme.CommandRecord{ID: "new", Field: senseme.FieldSpeed}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	n, err := repo.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() deleted %d rows, want 1", n)
	}

	if _, err := repo.Prune(ctx, 0); err == nil {
		t.Error("Prune(0) expected error, got nil")
	}
}
