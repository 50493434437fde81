package blobstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestUserRootLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	user := uuid.New()
	if err := s.EnsureUserRoot(user); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.EnsureUserRoot(user); err != nil {
		t.Errorf("second EnsureUserRoot: %v", err)
	}
	want := filepath.Join(root, user.String())
	if s.UserRoot(user) != want {
		t.Errorf("UserRoot = %q; want %q", s.UserRoot(user), want)
	}

	track := uuid.New()
	got := s.TrackFile(user, "a/b", track)
	if got != filepath.Join(want, "a", "b", track.String()) {
		t.Errorf("TrackFile = %q", got)
	}
}

func TestCreateExclusive(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(s.Root(), "blob")
	f, err := s.CreateExclusive(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("audio")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// A second exclusive create on the same path must fail with ErrExist.
	if _, err := s.CreateExclusive(p); !errors.Is(err, fs.ErrExist) {
		t.Errorf("second create: %v; want fs.ErrExist", err)
	}

	data, err := s.ReadFile(p)
	if err != nil || string(data) != "audio" {
		t.Errorf("read back: %q, %v", data, err)
	}
}

func TestRemoveEmptyDir(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(s.Root(), "d")
	if err := s.Mkdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEmptyDir(dir); err == nil {
		t.Error("removed a non-empty directory")
	}
	if err := s.Remove(filepath.Join(dir, "f")); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEmptyDir(dir); err != nil {
		t.Errorf("remove empty dir: %v", err)
	}
}
