// Package trackman implements the track lifecycle: the upload ingestion
// pipeline plus stream, move, and delete of previously ingested tracks.
package trackman

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aria-music/aria/internal/auth"
	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/internal/probe"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/pathguard"
	"github.com/aria-music/aria/pkg/store"
)

// chunkTimeout is the per-chunk deadline while draining an upload body. A
// stalled client forfeits the partial file.
const chunkTimeout = 10 * time.Second

const uploadChunkSize = 256 * 1024

// Service handles track HTTP routes.
type Service struct {
	db   *store.Store
	blob *blobstore.Store
	lock *sync.RWMutex
}

// New returns a new track Service. lock is the process-wide library lock.
func New(db *store.Store, blob *blobstore.Store, lock *sync.RWMutex) *Service {
	return &Service{db: db, blob: blob, lock: lock}
}

// uploadResponse is the wire shape of a successful ingestion.
type uploadResponse struct {
	UUID uuid.UUID `json:"uuid"`
}

// Upload handles POST /api/track?dir=&fname=. The body streams to an
// exclusively created UUID-named blob under the read lock (uploads never
// contend: the UUID namespace prevents collisions), then the probe runs
// and the catalog commit deduplicates cover art, artist, and album.
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	dir := r.URL.Query().Get("dir")
	root := s.blob.UserRoot(user)

	s.lock.RLock()
	defer s.lock.RUnlock()

	// Find an unclaimed UUID. Exclusive create makes the claim atomic.
	var trackID uuid.UUID
	var file *os.File
	var blobPath string
	for {
		trackID = uuid.New()
		var err error
		blobPath, err = pathguard.CheckInside(root, path.Join(dir, trackID.String()))
		if err != nil {
			return httperr.E(httperr.BadRequest, "bad path", err)
		}
		file, err = s.blob.CreateExclusive(blobPath)
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return httperr.E(httperr.Internal, "failed to open file", err)
	}

	origFname := probe.SanitizeFilename(r.URL.Query().Get("fname"))
	if origFname == "" {
		origFname = trackID.String()
	}

	if err := s.drainBody(r, file, blobPath); err != nil {
		return err
	}

	md, err := probe.Run(r.Context(), blobPath, origFname)
	if err != nil {
		s.discard(blobPath)
		return httperr.E(httperr.Processing, "failed to process track", err)
	}

	if err := s.commit(r.Context(), trackID, user, dir, origFname, md); err != nil {
		s.discard(blobPath)
		return err
	}
	httperr.WriteJSON(w, http.StatusOK, uploadResponse{UUID: trackID})
	return nil
}

// drainBody copies the request body into file with a per-chunk deadline.
// Timeout, read error, and client cancellation all end the same way: the
// partial file is deleted and the client gets a 400.
func (s *Service) drainBody(r *http.Request, file *os.File, blobPath string) error {
	type chunk struct {
		data []byte
		err  error
	}
	done := make(chan struct{})
	defer close(done)
	ch := make(chan chunk)
	go func() {
		buf := make([]byte, uploadChunkSize)
		for {
			n, err := r.Body.Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case ch <- chunk{data, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()
	for {
		select {
		case c := <-ch:
			if len(c.data) > 0 {
				if _, err := file.Write(c.data); err != nil {
					s.abandon(file, blobPath)
					return httperr.E(httperr.Internal, "failed to write to file", err)
				}
			}
			if c.err == io.EOF {
				if err := file.Sync(); err != nil {
					s.abandon(file, blobPath)
					return httperr.E(httperr.Internal, "failed to sync file", err)
				}
				if err := file.Close(); err != nil {
					s.discard(blobPath)
					return httperr.E(httperr.Internal, "failed to close file", err)
				}
				return nil
			}
			if c.err != nil {
				s.abandon(file, blobPath)
				return httperr.E(httperr.BadRequest, "failed to stream chunk", c.err)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(chunkTimeout)
		case <-timer.C:
			s.abandon(file, blobPath)
			return httperr.E(httperr.BadRequest, "upload timeout hit", nil)
		case <-r.Context().Done():
			s.abandon(file, blobPath)
			return httperr.E(httperr.BadRequest, "upload canceled", r.Context().Err())
		}
	}
}

func (s *Service) abandon(file *os.File, blobPath string) {
	file.Close()
	s.discard(blobPath)
}

func (s *Service) discard(blobPath string) {
	if err := s.blob.Remove(blobPath); err != nil {
		slog.Error("failed to remove partial upload", "err", err)
	}
}

// commit writes the catalog rows for one ingested track in a single
// transaction, reusing cover art by image hash and artist/album by exact
// name. Orphaned rows from earlier deletes are deliberately reusable here.
func (s *Service) commit(ctx context.Context, trackID, user uuid.UUID, dir, origFname string, md *probe.Metadata) error {
	tagsJSON, err := md.TagsJSON()
	if err != nil {
		return httperr.E(httperr.Internal, "failed to serialize tags", err)
	}
	err = s.db.WithTx(ctx, func(q *store.Queries) error {
		var coverID, artistID, albumID *uuid.UUID

		if md.Cover != nil {
			id, err := q.GetCoverArtIDByHash(ctx, md.Cover.Hash[:])
			switch {
			case err == nil:
				coverID = &id
			case errors.Is(err, sql.ErrNoRows):
				fresh := uuid.New()
				if err := q.InsertCoverArt(ctx, store.InsertCoverArtParams{
					ID: fresh, WebmBlob: md.Cover.Blob, ImgHash: md.Cover.Hash[:],
				}); err != nil {
					return err
				}
				coverID = &fresh
			default:
				return err
			}
		}

		if md.Artist != nil {
			id, err := q.GetArtistIDByName(ctx, *md.Artist)
			switch {
			case err == nil:
				artistID = &id
			case errors.Is(err, sql.ErrNoRows):
				fresh := uuid.New()
				if err := q.InsertArtist(ctx, store.InsertArtistParams{
					ID: fresh, Name: *md.Artist, SortName: md.ArtistSort,
				}); err != nil {
					return err
				}
				artistID = &fresh
			default:
				return err
			}
		}

		if md.Album != nil {
			id, err := q.GetAlbumIDByTitle(ctx, *md.Album)
			switch {
			case err == nil:
				albumID = &id
			case errors.Is(err, sql.ErrNoRows):
				fresh := uuid.New()
				if err := q.InsertAlbum(ctx, store.InsertAlbumParams{
					ID: fresh, Title: *md.Album, SortTitle: md.AlbumSort,
				}); err != nil {
					return err
				}
				albumID = &fresh
			default:
				return err
			}
		}

		return q.InsertTrack(ctx, store.InsertTrackParams{
			ID: trackID, Owner: user, Title: md.Title,
			Disk: md.Disk, Track: md.Track, TagsJSON: tagsJSON,
			OrigFname: origFname, Path: dir,
			Album: albumID, Artist: artistID, CoverArt: coverID,
		})
	})
	if err != nil {
		return httperr.E(httperr.Internal, "database error", err)
	}
	slog.Info("track ingested", "track", trackID, "user", user)
	return nil
}

// Stream handles GET /api/track?id=. The whole blob is returned; a row
// whose file is missing logs the inconsistency and surfaces 404.
func (s *Service) Stream(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	dir, err := s.db.GetTrackPath(r.Context(), id, user)
	if err != nil {
		return httperr.NotFoundIfNoRows(err, "track does not exist")
	}
	data, err := s.blob.ReadFile(s.blob.TrackFile(user, dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("track file missing despite catalog row", "track", id, "user", user)
			return httperr.E(httperr.NotFound, "track does not exist", err)
		}
		return httperr.E(httperr.Internal, "failed to read track", err)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

// Move handles PATCH /api/track?id=&new_path=. The path update and the
// file rename share one transaction: a failed rename rolls the row back.
func (s *Service) Move(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	newPath := r.URL.Query().Get("new_path")

	s.lock.Lock()
	defer s.lock.Unlock()
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		dir, err := q.GetTrackPath(r.Context(), id, user)
		if err != nil {
			return httperr.NotFoundIfNoRows(err, "track does not exist")
		}
		// The current location comes from the catalog, not the client; only
		// the destination needs the guard.
		curr := s.blob.TrackFile(user, dir, id)
		next, err := pathguard.CheckInside(s.blob.UserRoot(user), path.Join(newPath, id.String()))
		if err != nil {
			return httperr.E(httperr.BadRequest, "bad path", err)
		}
		if err := q.UpdateTrackPath(r.Context(), id, user, newPath); err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		if err := s.blob.Rename(curr, next); err != nil {
			return httperr.E(httperr.Internal, "failed to move track", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// Delete handles DELETE /api/track?id=. Row first, then file, in one
// transaction: an orphaned file is sweepable, but a fileless row would
// 404 inconsistently.
func (s *Service) Delete(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		dir, err := q.GetTrackPath(r.Context(), id, user)
		if err != nil {
			return httperr.NotFoundIfNoRows(err, "track does not exist")
		}
		if err := q.DeleteTrack(r.Context(), id, user); err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		if err := s.blob.Remove(s.blob.TrackFile(user, dir, id)); err != nil {
			return httperr.E(httperr.Internal, "failed to delete track", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// queryID parses the required ?id= query parameter.
func queryID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		return uuid.Nil, httperr.E(httperr.BadRequest, "invalid id", err)
	}
	return id, nil
}
