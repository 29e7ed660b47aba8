package keystore

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"Admin", RoleAdmin},
		{"Worker", RoleWorker},
		{"Client", RoleClient},
		{"worker", RoleWorker},
		{"ADMIN", RoleAdmin},
		{"", RoleUnknown},
		{"root", RoleUnknown},
	}
	for _, tt := range tests {
		if got := ParseRole(tt.in); got != tt.want {
			t.Errorf("ParseRole(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestOpenBootstrapsAdminKey(t *testing.T) {
	s := openTest(t)
	keys, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("fresh store has %d keys, want 1", len(keys))
	}
	if keys[0].Name != "root" || keys[0].Role != RoleAdmin || keys[0].Value == "" {
		t.Errorf("bootstrap key = %+v", keys[0])
	}
}

func TestOpenExistingSkipsBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.db")
	log := zap.NewNop().Sugar()

	s1, err := Open(path, log)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path, log)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	keys, err := s2.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("reopen bootstrapped again: %d keys", len(keys))
	}
}

func TestInsertAndLookup(t *testing.T) {
	s := openTest(t)
	k, err := s.Insert("w1", RoleWorker)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if k.ID == 0 || k.Value == "" {
		t.Errorf("inserted key = %+v", k)
	}
	if len(k.Value) != 36 {
		t.Errorf("value %q is not a UUID string", k.Value)
	}

	got, ok := s.Lookup(k.Value)
	if !ok || got.Name != "w1" || got.Role != RoleWorker {
		t.Errorf("Lookup = %+v, %v", got, ok)
	}

	// second lookup comes from the cache
	got2, ok2 := s.Lookup(k.Value)
	if !ok2 || got2 != got {
		t.Errorf("cached Lookup = %+v, %v", got2, ok2)
	}
}

func TestLookupUnknown(t *testing.T) {
	s := openTest(t)
	k, ok := s.Lookup("no-such-token")
	if ok {
		t.Error("unknown token must not resolve")
	}
	if k.Role != RoleUnknown {
		t.Errorf("role = %s, want Unknown", k.Role)
	}
}

func TestInsertDuplicateName(t *testing.T) {
	s := openTest(t)
	if _, err := s.Insert("w1", RoleWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert("w1", RoleWorker); err == nil {
		t.Error("duplicate name must be rejected")
	}
}

func TestInsertValidation(t *testing.T) {
	s := openTest(t)
	if _, err := s.Insert("", RoleWorker); err == nil {
		t.Error("empty name must be rejected")
	}
	if _, err := s.Insert("x", RoleUnknown); err == nil {
		t.Error("Unknown role must be rejected")
	}
}

func TestLookupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.db")
	log := zap.NewNop().Sugar()

	s1, err := Open(path, log)
	if err != nil {
		t.Fatal(err)
	}
	k, err := s1.Insert("w1", RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path, log)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, ok := s2.Lookup(k.Value)
	if !ok || got.Name != "w1" {
		t.Errorf("persisted key not found after reopen: %+v, %v", got, ok)
	}
}
