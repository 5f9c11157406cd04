package cache

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPutAndResolve(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id := s.NewID()
	path, err := s.Put(id, "md", []byte("# hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(path, s.Root()) {
		t.Errorf("path %q escapes root %q", path, s.Root())
	}

	resolved, err := s.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != path {
		t.Errorf("Resolve = %q, want %q", resolved, path)
	}

	data, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "# hello" {
		t.Errorf("Read = %q", data)
	}
}

func TestValidID(t *testing.T) {
	valid := []string{"abc", "a1B2", "with_underscore", "with-dash", "0"}
	for _, s := range valid {
		if !ValidID(s) {
			t.Errorf("ValidID(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "../../etc/passwd", "a/b", "a.b", "a b", "café"}
	for _, s := range invalid {
		if ValidID(s) {
			t.Errorf("ValidID(%q) = true, want false", s)
		}
	}
}

func TestTraversalRejected(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Resolve("../../etc/passwd"); err == nil {
		t.Error("expected error resolving traversal id")
	}
	if _, err := s.Put("../evil", "txt", []byte("x")); err == nil {
		t.Error("expected error writing traversal id")
	}
	if _, err := s.Put("ok", "../../etc", []byte("x")); err == nil {
		t.Error("expected error for traversal extension")
	}
}

func TestResolveMissing(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve("absent0"); err == nil {
		t.Error("expected ErrNotFound for missing entry")
	}
}

func TestContains(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.contains(filepath.Join(s.Root(), "..", "escape.txt")) {
		t.Error("contains accepted a path outside the root")
	}
	if !s.contains(filepath.Join(s.Root(), "fine.txt")) {
		t.Error("contains rejected a path inside the root")
	}
}
