package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := ParseMigrationVersion("002_talent_profiles.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if _, err := ParseMigrationVersion("talent.sql"); err == nil {
		t.Error("expected error for file without numeric prefix")
	}
}

func TestReadOne_Missing(t *testing.T) {
	s := openTestStore(t)

	row, err := s.ReadOne(context.Background(), CollectionProfiles, "nobody")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row != nil {
		t.Errorf("row = %v, want nil", row)
	}
}

func TestReadOne_UnknownCollection(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadOne(context.Background(), "companies", "u1")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("err = %v, want ErrUnknownCollection", err)
	}
}

func TestWriteOne_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	err := s.WriteOne(ctx, CollectionTalentProfiles, "u1", map[string]any{
		"title":           "Backend Engineer",
		"skills":          []string{"go", "sql"},
		"hourly_rate_min": 40.0,
		"hourly_rate_max": 80,
		"currency":        "EUR",
		"availability":    "contract",
	})
	if err != nil {
		t.Fatalf("WriteOne: %v", err)
	}

	row, err := s.ReadOne(ctx, CollectionTalentProfiles, "u1")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row["title"] != "Backend Engineer" {
		t.Errorf("title = %v", row["title"])
	}
	skills, ok := row["skills"].([]any)
	if !ok || len(skills) != 2 || skills[0] != "go" {
		t.Errorf("skills = %#v", row["skills"])
	}
	if row["hourly_rate_max"] != 80.0 {
		t.Errorf("hourly_rate_max = %#v, want 80.0", row["hourly_rate_max"])
	}
	if row["bio"] != nil {
		t.Errorf("bio = %#v, want nil", row["bio"])
	}
	if got, ok := row["created_at"].(time.Time); !ok || !got.Equal(fixed) {
		t.Errorf("created_at = %#v, want %v", row["created_at"], fixed)
	}
}

func TestWriteOne_MergesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteOne(ctx, CollectionProfiles, "u1", map[string]any{"full_name": "Ana", "city": "Lisbon"}); err != nil {
		t.Fatalf("WriteOne 1: %v", err)
	}
	if err := s.WriteOne(ctx, CollectionProfiles, "u1", map[string]any{"full_name": "Ana Lopez"}); err != nil {
		t.Fatalf("WriteOne 2: %v", err)
	}

	row, err := s.ReadOne(ctx, CollectionProfiles, "u1")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row["full_name"] != "Ana Lopez" {
		t.Errorf("full_name = %v, want Ana Lopez", row["full_name"])
	}
	if row["city"] != "Lisbon" {
		t.Errorf("city = %v, want Lisbon (untouched)", row["city"])
	}
}

func TestWriteOne_RejectsUnwritableColumn(t *testing.T) {
	s := openTestStore(t)

	err := s.WriteOne(context.Background(), CollectionProfiles, "u1", map[string]any{"profile_completeness": 100})
	if err == nil {
		t.Fatal("expected error writing profile_completeness")
	}
	err = s.WriteOne(context.Background(), CollectionProfiles, "u1", map[string]any{"password": "x"})
	if err == nil {
		t.Fatal("expected error writing unknown column")
	}
}

func TestWriteOne_TypeMismatch(t *testing.T) {
	s := openTestStore(t)

	err := s.WriteOne(context.Background(), CollectionProfiles, "u1", map[string]any{"full_name": 42})
	if err == nil {
		t.Fatal("expected error for non-string full_name")
	}
}

func TestReadOne_MalformedJSONPassesThrough(t *testing.T) {
	s := openTestStore(t)
	_, err := s.db.Exec(`INSERT INTO talent_profiles (user_id, skills, created_at, updated_at)
		VALUES ('u1', 'not-json', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, err := s.ReadOne(context.Background(), CollectionTalentProfiles, "u1")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row["skills"] != "not-json" {
		t.Errorf("skills = %#v, want raw string", row["skills"])
	}
}

func TestSubscribe_ReceivesOwnUserChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got := make(chan Change, 4)
	unsub, err := s.Subscribe(CollectionProfiles, "u1", func(c Change) { got <- c })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := s.WriteOne(ctx, CollectionProfiles, "u2", map[string]any{"full_name": "Other"}); err != nil {
		t.Fatalf("WriteOne u2: %v", err)
	}
	if err := s.WriteOne(ctx, CollectionProfiles, "u1", map[string]any{"full_name": "Ana"}); err != nil {
		t.Fatalf("WriteOne u1: %v", err)
	}

	select {
	case c := <-got:
		if c.UserID != "u1" || c.Collection != CollectionProfiles {
			t.Errorf("change = %+v, want u1/profiles", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	select {
	case c := <-got:
		t.Errorf("unexpected extra change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_UnknownCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Subscribe("jobs", "u1", func(Change) {}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("err = %v, want ErrUnknownCollection", err)
	}
}

func TestCompleteness_MissingProfile(t *testing.T) {
	s := openTestStore(t)

	score, err := s.Completeness(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Completeness: %v", err)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
}

func TestCompleteness_PersistsScore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteOne(ctx, CollectionProfiles, "u1", map[string]any{
		"full_name": "Ana", "country": "PT", "city": "Lisbon",
	}); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}
	if err := s.WriteOne(ctx, CollectionTalentProfiles, "u1", map[string]any{
		"title": "Designer", "skills": []string{"figma"}, "hourly_rate_min": 30,
		"availability": "freelance",
	}); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}

	score, err := s.Completeness(ctx, "u1")
	if err != nil {
		t.Fatalf("Completeness: %v", err)
	}
	// 7 of 14 fields filled.
	if score != 50 {
		t.Errorf("score = %d, want 50", score)
	}

	row, err := s.ReadOne(ctx, CollectionProfiles, "u1")
	if err != nil {
		t.Fatalf("ReadOne: %v", err)
	}
	if row["profile_completeness"] != int64(50) {
		t.Errorf("stored completeness = %#v, want 50", row["profile_completeness"])
	}
}

func TestCompleteness_DoesNotPublish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteOne(ctx, CollectionProfiles, "u1", map[string]any{"full_name": "Ana"}); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}

	got := make(chan Change, 1)
	unsub, _ := s.Subscribe(CollectionProfiles, "u1", func(c Change) { got <- c })
	defer unsub()

	if _, err := s.Completeness(ctx, "u1"); err != nil {
		t.Fatalf("Completeness: %v", err)
	}
	select {
	case c := <-got:
		t.Errorf("completeness update published %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}
