// Package query exposes the read-only library lookups: track, album,
// playlist, cover art, and artist info, plus the per-user id listings.
//
// Every lookup joins through track (or playlist) ownership; an id owned by
// another user is indistinguishable from one that does not exist.
package query

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/aria-music/aria/internal/auth"
	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/pkg/store"
)

// Service handles query HTTP routes.
type Service struct {
	db   *store.Store
	lock *sync.RWMutex
}

// New returns a new query Service. lock is the process-wide library lock.
func New(db *store.Store, lock *sync.RWMutex) *Service {
	return &Service{db: db, lock: lock}
}

// albumResponse is the album header plus the ids of the owner's tracks on
// that album.
type albumResponse struct {
	ID     uuid.UUID   `json:"id"`
	Title  string      `json:"title"`
	Tracks []uuid.UUID `json:"tracks"`
}

type playlistResponse struct {
	ID     uuid.UUID   `json:"id"`
	Tracks []uuid.UUID `json:"tracks"`
	Name   string      `json:"name"`
}

type coverArtResponse struct {
	ID       uuid.UUID `json:"id"`
	WebmBlob []byte    `json:"webm_blob"`
}

type albumsResponse struct {
	Albums []uuid.UUID `json:"albums"`
}

type playlistsResponse struct {
	Lists []uuid.UUID `json:"lists"`
}

// TrackInfo handles GET /api/query/ti?id=.
func (s *Service) TrackInfo(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	track, err := s.db.GetTrack(r.Context(), id, user)
	if err != nil {
		return httperr.NotFoundIfNoRows(err, "could not find track")
	}
	httperr.WriteJSON(w, http.StatusOK, track)
	return nil
}

// AlbumInfo handles GET /api/query/ai?id=. The title lookup and track-id
// listing share one transaction so the response is internally consistent.
func (s *Service) AlbumInfo(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	var resp albumResponse
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		title, err := q.GetAlbumTitle(r.Context(), id, user)
		if err != nil {
			return httperr.NotFoundIfNoRows(err, "could not find album")
		}
		tracks, err := q.ListAlbumTrackIDs(r.Context(), id, user)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		resp = albumResponse{ID: id, Title: title, Tracks: tracks}
		return nil
	})
	if err != nil {
		return err
	}
	httperr.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// PlaylistInfo handles GET /api/query/pi?id=.
func (s *Service) PlaylistInfo(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	var resp playlistResponse
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		name, err := q.GetPlaylistName(r.Context(), id, user)
		if err != nil {
			return httperr.NotFoundIfNoRows(err, "could not find playlist")
		}
		tracks, err := q.ListPlaylistTrackIDs(r.Context(), id, user)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		resp = playlistResponse{ID: id, Tracks: tracks, Name: name}
		return nil
	})
	if err != nil {
		return err
	}
	httperr.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// CoverArt handles GET /api/query/ca?id=.
func (s *Service) CoverArt(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	blob, err := s.db.GetCoverArtBlob(r.Context(), id, user)
	if err != nil {
		return httperr.NotFoundIfNoRows(err, "could not find cover art")
	}
	httperr.WriteJSON(w, http.StatusOK, coverArtResponse{ID: id, WebmBlob: blob})
	return nil
}

// Artist handles GET /api/query/ar?id=.
func (s *Service) Artist(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryID(r)
	if err != nil {
		return err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	artist, err := s.db.GetArtist(r.Context(), id, user)
	if err != nil {
		return httperr.NotFoundIfNoRows(err, "could not find artist")
	}
	httperr.WriteJSON(w, http.StatusOK, artist)
	return nil
}

// Albums handles GET /api/load/albums: the distinct album ids referenced
// by the user's tracks.
func (s *Service) Albums(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	s.lock.RLock()
	defer s.lock.RUnlock()
	ids, err := s.db.ListAlbumIDsByOwner(r.Context(), user)
	if err != nil {
		return httperr.E(httperr.Internal, "database error", err)
	}
	httperr.WriteJSON(w, http.StatusOK, albumsResponse{Albums: ids})
	return nil
}

// Playlists handles GET /api/load/playlists.
func (s *Service) Playlists(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	s.lock.RLock()
	defer s.lock.RUnlock()
	ids, err := s.db.ListPlaylistIDsByOwner(r.Context(), user)
	if err != nil {
		return httperr.E(httperr.Internal, "database error", err)
	}
	httperr.WriteJSON(w, http.StatusOK, playlistsResponse{Lists: ids})
	return nil
}

func queryID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		return uuid.Nil, httperr.E(httperr.BadRequest, "invalid id", err)
	}
	return id, nil
}
