// Package folders manages directories inside a user's content root.
//
// Mutations run under the library write lock; queries under the read lock.
// Every user-supplied path passes the path guard before any filesystem
// access.
package folders

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/aria-music/aria/internal/auth"
	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/internal/probe"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/pathguard"
)

// Item is one node of the folder tree. ItemType is "Folder" or "Audio";
// audio entries are UUID-named blobs and only appear in single-level
// queries. Tree is null for leaves.
type Item struct {
	ID       string `json:"id"`
	ItemType string `json:"item_type"`
	Tree     []Item `json:"tree"`
}

const (
	typeFolder = "Folder"
	typeAudio  = "Audio"
)

// queryResponse wraps the tree root for the wire.
type queryResponse struct {
	Ret Item `json:"ret"`
}

// Service handles folder HTTP routes.
type Service struct {
	blob *blobstore.Store
	lock *sync.RWMutex
}

// New returns a new folder Service. lock is the process-wide library lock.
func New(blob *blobstore.Store, lock *sync.RWMutex) *Service {
	return &Service{blob: blob, lock: lock}
}

// Create handles PUT /api/folder?name=&path=.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	name := probe.SanitizeFilename(r.URL.Query().Get("name"))
	if name == "" {
		return httperr.E(httperr.BadRequest, "folder name required", nil)
	}
	rel := path.Join(r.URL.Query().Get("path"), name)

	s.lock.Lock()
	defer s.lock.Unlock()
	target, err := pathguard.CheckInside(s.blob.UserRoot(user), rel)
	if err != nil {
		return httperr.E(httperr.BadRequest, "bad path", err)
	}
	if err := s.blob.Mkdir(target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return httperr.E(httperr.Conflict, name, err)
		}
		return httperr.E(httperr.Internal, "failed to create folder", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// Rename handles PATCH /api/folder?old_path=&new_path=. Both sides pass
// the guard; the source must be an existing directory and the destination
// must not exist. The move is a single rename.
func (s *Service) Rename(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	root := s.blob.UserRoot(user)
	oldRel := r.URL.Query().Get("old_path")
	newRel := r.URL.Query().Get("new_path")

	s.lock.Lock()
	defer s.lock.Unlock()
	oldAbs, err := pathguard.CheckInside(root, oldRel)
	if err != nil {
		return httperr.E(httperr.BadRequest, "bad path", err)
	}
	newAbs, err := pathguard.CheckInside(root, newRel)
	if err != nil {
		return httperr.E(httperr.BadRequest, "bad path", err)
	}

	fi, err := os.Stat(oldAbs)
	if errors.Is(err, fs.ErrNotExist) {
		return httperr.E(httperr.NotFound, "folder not found", err)
	}
	if err != nil {
		return httperr.E(httperr.Internal, "failed to stat folder", err)
	}
	if !fi.IsDir() {
		return httperr.E(httperr.BadRequest, "the directory specified is not a directory", nil)
	}
	if _, err := os.Stat(newAbs); err == nil {
		return httperr.E(httperr.Conflict, path.Base(newRel), nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return httperr.E(httperr.Internal, "failed to stat folder", err)
	}

	if err := s.blob.Rename(oldAbs, newAbs); err != nil {
		return httperr.E(httperr.Internal, "failed to move folder", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// Delete handles DELETE /api/folder?name=&path=. Only empty directories
// may be removed.
func (s *Service) Delete(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	rel := path.Join(r.URL.Query().Get("path"), r.URL.Query().Get("name"))

	s.lock.Lock()
	defer s.lock.Unlock()
	target, err := pathguard.CheckInside(s.blob.UserRoot(user), rel)
	if err != nil {
		return httperr.E(httperr.BadRequest, "bad path", err)
	}
	if err := s.blob.RemoveEmptyDir(target); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return httperr.E(httperr.NotFound, "folder not found", err)
		case errors.Is(err, fs.ErrInvalid):
			return httperr.E(httperr.BadRequest, "directory has items, please remove them", err)
		}
		return httperr.E(httperr.Internal, "failed to delete folder", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// Query handles GET /api/folder. With a path it lists that directory's
// immediate children; without one it returns the user's full folder tree.
func (s *Service) Query(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	root := s.blob.UserRoot(user)

	s.lock.RLock()
	defer s.lock.RUnlock()
	if !r.URL.Query().Has("path") {
		tree, err := readTree(root, "")
		if err != nil {
			return err
		}
		httperr.WriteJSON(w, http.StatusOK, queryResponse{Ret: tree})
		return nil
	}

	rel := r.URL.Query().Get("path")
	target, err := pathguard.CheckDir(root, rel)
	if err != nil {
		return httperr.E(httperr.BadRequest, "bad path", err)
	}
	ents, err := os.ReadDir(target)
	if err != nil {
		return httperr.E(httperr.Internal, "failed to read folder", err)
	}
	item := Item{ID: path.Base(rel), ItemType: typeFolder, Tree: []Item{}}
	for _, ent := range ents {
		switch {
		case ent.Type().IsRegular():
			// Regular files in the content tree are always UUID-named
			// audio blobs; anything else is internal corruption.
			if _, err := uuid.Parse(ent.Name()); err != nil {
				return httperr.E(httperr.Internal, "internal file name is not a uuid", err)
			}
			item.Tree = append(item.Tree, Item{ID: ent.Name(), ItemType: typeAudio})
		case ent.IsDir():
			item.Tree = append(item.Tree, Item{ID: ent.Name(), ItemType: typeFolder})
		}
	}
	httperr.WriteJSON(w, http.StatusOK, queryResponse{Ret: item})
	return nil
}

// readTree builds the recursive folder tree rooted at dir. Only
// directories appear; the tree field stays null for childless folders.
func readTree(dir, name string) (Item, error) {
	item := Item{ID: name, ItemType: typeFolder}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return Item{}, httperr.E(httperr.Internal, "failed to read folder", err)
	}
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		child, err := readTree(filepath.Join(dir, ent.Name()), ent.Name())
		if err != nil {
			return Item{}, err
		}
		item.Tree = append(item.Tree, child)
	}
	return item, nil
}
