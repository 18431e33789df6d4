package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/chatrelay/internal/history"
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
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestHistory_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.GetHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h == nil || len(h) != 0 {
		t.Fatalf("GetHistory on new user = %v, want empty non-nil", h)
	}

	want := history.History{history.User("Hello"), history.Model("Hi there")}
	if err := s.SaveHistory(ctx, 1, want); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	got, err := s.GetHistory(ctx, 1)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSaveHistory_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveHistory(ctx, 1, history.History{history.User("a"), history.Model("b")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHistory(ctx, 1, history.History{history.User("c")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetHistory(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "c" {
		t.Errorf("history = %+v, want single turn c", got)
	}
}

func TestSaveHistory_RejectsInvalidRole(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveHistory(context.Background(), 1, history.History{{Role: "assistant", Content: "x"}})
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestHistory_UsersIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SaveHistory(ctx, 1, history.History{history.User("one")})
	s.SaveHistory(ctx, 2, history.History{history.User("two")})
	if err := s.ClearHistory(ctx, 2); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}

	h1, _ := s.GetHistory(ctx, 1)
	h2, _ := s.GetHistory(ctx, 2)
	if len(h1) != 1 || len(h2) != 0 {
		t.Errorf("h1=%v h2=%v", h1, h2)
	}
}

func TestSettings_SetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, 1, "temperature", "0.7"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, 1, "temperature", "1.0"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}

	got, err := s.GetSettings(ctx, 1)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got["temperature"] != "1.0" {
		t.Errorf("temperature = %q, want 1.0", got["temperature"])
	}

	if err := s.DeleteSetting(ctx, 1, "temperature"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if err := s.DeleteSetting(ctx, 1, "temperature"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSetting err = %v, want ErrNotFound", err)
	}
}

func TestDeleteUserData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SaveHistory(ctx, 1, history.History{history.User("x")})
	s.SetSetting(ctx, 1, "max_tokens", "512")
	s.SaveHistory(ctx, 2, history.History{history.User("y")})

	if err := s.DeleteUserData(ctx, 1); err != nil {
		t.Fatalf("DeleteUserData: %v", err)
	}

	h, _ := s.GetHistory(ctx, 1)
	settings, _ := s.GetSettings(ctx, 1)
	if len(h) != 0 || len(settings) != 0 {
		t.Errorf("user 1 data survived: history=%v settings=%v", h, settings)
	}
	if h2, _ := s.GetHistory(ctx, 2); len(h2) != 1 {
		t.Errorf("user 2 history affected: %v", h2)
	}
}

func TestListUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.TouchUser(ctx, 1)
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.SaveHistory(ctx, 2, history.History{history.User("a"), history.Model("b")})

	users, err := s.ListUsers(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("len = %d, want 2", len(users))
	}
	if users[0].ID != 2 || users[0].Turns != 2 {
		t.Errorf("first user = %+v, want id 2 with 2 turns", users[0])
	}
	if !users[1].FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", users[1].FirstSeen, base)
	}
}
