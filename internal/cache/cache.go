// Package cache implements the on-disk file cache for previewed documents.
//
// Files are keyed by an opaque cache identifier matching [A-Za-z0-9_-]+ and
// stored as {id}.{ext} directly under the cache root. Every path produced by
// this package is checked to stay within the root.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidID = errors.New("invalid cache id")
	ErrNotFound  = errors.New("cache entry not found")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether s is a well-formed cache identifier.
func ValidID(s string) bool {
	return s != "" && idPattern.MatchString(s)
}

// Store is a directory of cache files addressed by id.
type Store struct {
	root string
}

// New opens (creating if needed) a cache store rooted at dir.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute cache root directory.
func (s *Store) Root() string {
	return s.root
}

// NewID returns a fresh cache identifier.
func (s *Store) NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Put writes data under the given id and extension and returns the absolute
// file path.
func (s *Store) Put(id, ext string, data []byte) (string, error) {
	path, err := s.pathFor(id, ext)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize cache file: %w", err)
	}
	return path, nil
}

// Resolve returns the absolute path of the file stored under id, matching
// any extension.
func (s *Store) Resolve(id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	matches, err := filepath.Glob(filepath.Join(s.root, id+".*"))
	if err != nil {
		return "", err
	}
	// A bare file without extension is also accepted.
	if bare := filepath.Join(s.root, id); len(matches) == 0 {
		if _, statErr := os.Stat(bare); statErr == nil {
			matches = []string{bare}
		}
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	path := matches[0]
	if !s.contains(path) {
		return "", ErrInvalidID
	}
	return path, nil
}

// Read returns the contents of the cache entry for id.
func (s *Store) Read(id string) ([]byte, error) {
	path, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Has reports whether an entry exists for id.
func (s *Store) Has(id string) bool {
	_, err := s.Resolve(id)
	return err == nil
}

func (s *Store) pathFor(id, ext string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	ext = strings.TrimPrefix(ext, ".")
	name := id
	if ext != "" {
		if strings.ContainsAny(ext, `/\`) || strings.Contains(ext, "..") {
			return "", ErrInvalidID
		}
		name = id + "." + ext
	}
	path := filepath.Join(s.root, name)
	if !s.contains(path) {
		return "", ErrInvalidID
	}
	return path, nil
}

// contains checks that path normalizes to a location under the cache root.
func (s *Store) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
