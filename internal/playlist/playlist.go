// Package playlist handles playlist creation, deletion, and track
// membership. Reads live in the query package (/api/query/pi,
// /api/load/playlists).
package playlist

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/aria-music/aria/internal/auth"
	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/pkg/store"
)

// Service handles playlist HTTP routes.
type Service struct {
	db *store.Store
}

// New returns a new playlist Service.
func New(db *store.Store) *Service {
	return &Service{db: db}
}

type createResponse struct {
	UUID uuid.UUID `json:"uuid"`
}

// Create handles POST /api/playlist?name=.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	name := r.URL.Query().Get("name")
	if name == "" {
		return httperr.E(httperr.BadRequest, "playlist name required", nil)
	}
	id := uuid.New()
	err := s.db.WithTx(r.Context(), func(q *store.Queries) error {
		return q.CreatePlaylist(r.Context(), store.CreatePlaylistParams{
			ID: id, Owner: user, Name: name,
		})
	})
	if err != nil {
		return httperr.E(httperr.Internal, "database error", err)
	}
	httperr.WriteJSON(w, http.StatusOK, createResponse{UUID: id})
	return nil
}

// Delete handles DELETE /api/playlist?id=. Membership rows go with it;
// tracks are untouched.
func (s *Service) Delete(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	id, err := queryUUID(r, "id")
	if err != nil {
		return err
	}
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		if _, err := q.GetPlaylistName(r.Context(), id, user); err != nil {
			return httperr.NotFoundIfNoRows(err, "could not find playlist")
		}
		return q.DeletePlaylist(r.Context(), id, user)
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// AddTrack handles PUT /api/playlist/track?playlist=&track=. Both the
// playlist and the track must belong to the caller; position is appended
// so playlist order is insertion order.
func (s *Service) AddTrack(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	plID, err := queryUUID(r, "playlist")
	if err != nil {
		return err
	}
	trackID, err := queryUUID(r, "track")
	if err != nil {
		return err
	}
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		if _, err := q.GetPlaylistName(r.Context(), plID, user); err != nil {
			return httperr.NotFoundIfNoRows(err, "could not find playlist")
		}
		owned, err := q.TrackOwned(r.Context(), trackID, user)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		if !owned {
			return httperr.E(httperr.NotFound, "could not find track", nil)
		}
		pos, err := q.GetMaxPlaylistPosition(r.Context(), plID)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		return q.AddTrackToPlaylist(r.Context(), plID, trackID, pos+1)
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// RemoveTrack handles DELETE /api/playlist/track?playlist=&track=.
func (s *Service) RemoveTrack(w http.ResponseWriter, r *http.Request) error {
	user := auth.UserFromCtx(r.Context())
	plID, err := queryUUID(r, "playlist")
	if err != nil {
		return err
	}
	trackID, err := queryUUID(r, "track")
	if err != nil {
		return err
	}
	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		if _, err := q.GetPlaylistName(r.Context(), plID, user); err != nil {
			return httperr.NotFoundIfNoRows(err, "could not find playlist")
		}
		owned, err := q.TrackOwned(r.Context(), trackID, user)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		if !owned {
			return httperr.E(httperr.NotFound, "could not find track", nil)
		}
		return q.RemoveTrackFromPlaylist(r.Context(), plID, trackID)
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func queryUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get(key))
	if err != nil {
		return uuid.Nil, httperr.E(httperr.BadRequest, "invalid "+key, err)
	}
	return id, nil
}
