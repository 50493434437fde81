// Package blobstore manages the on-disk content tree: one directory per
// user under the data root, holding folders and UUID-named audio blobs.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store is rooted at the data directory. All paths handed to its methods
// are absolute and pre-validated by the path guard; Store itself performs
// no containment checks.
type Store struct {
	root string
}

// New returns a Store backed by root. The directory is created if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// UserRoot returns the content root for a user.
func (s *Store) UserRoot(user uuid.UUID) string {
	return filepath.Join(s.root, user.String())
}

// EnsureUserRoot creates the user's content root. An existing directory is
// not an error.
func (s *Store) EnsureUserRoot(user uuid.UUID) error {
	err := os.Mkdir(s.UserRoot(user), 0o755)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create user dir: %w", err)
	}
	return nil
}

// TrackFile composes the blob path for a track: <root>/<user>/<dir>/<id>.
func (s *Store) TrackFile(user uuid.UUID, dir string, id uuid.UUID) string {
	return filepath.Join(s.UserRoot(user), filepath.FromSlash(dir), id.String())
}

// CreateExclusive opens path with O_CREATE|O_EXCL so concurrent uploads
// can never write the same blob; fs.ErrExist signals a UUID collision.
func (s *Store) CreateExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// ReadFile returns the full contents of a blob.
func (s *Store) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes a blob. A missing file is an error here — callers decide
// whether that is corruption or a benign race.
func (s *Store) Remove(path string) error {
	return os.Remove(path)
}

// Rename moves a blob or directory in one step.
func (s *Store) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// Mkdir creates a single directory. fs.ErrExist passes through for the
// caller's conflict mapping.
func (s *Store) Mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

// RemoveEmptyDir deletes a directory only when it has no entries.
func (s *Store) RemoveEmptyDir(path string) error {
	ents, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	if len(ents) > 0 {
		return fmt.Errorf("directory %q has items: %w", filepath.Base(path), fs.ErrInvalid)
	}
	return os.Remove(path)
}
