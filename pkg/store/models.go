package store

import "github.com/google/uuid"

// User represents a user in the database.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
}

// AuthKey is one issued token-signing secret for a user. Multiple keys may
// be live for the same user at once; a key whose expiry has passed is never
// returned by queries.
type AuthKey struct {
	ID     uuid.UUID
	Secret []byte
	Expiry int64
}

// Track represents a track in the database. Path is the directory of the
// audio blob relative to the owner's content root; the blob's file name is
// always the track ID.
type Track struct {
	ID        uuid.UUID         `json:"id"`
	Album     *uuid.UUID        `json:"album"`
	CoverArt  *uuid.UUID        `json:"cover_art"`
	Artist    *uuid.UUID        `json:"artist"`
	Title     string            `json:"title"`
	Disk      *int64            `json:"disk"`
	Track     *int64            `json:"track"`
	Tags      map[string]string `json:"tags"`
	Owner     uuid.UUID         `json:"-"`
	OrigFname string            `json:"-"`
	Path      string            `json:"-"`
}

// Album represents an album in the database.
type Album struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	SortTitle *string   `json:"-"`
}

// Artist represents an artist in the database.
type Artist struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	SortName *string   `json:"sort_name"`
}

// CoverArt is a deduplicated cover image. The blob is WebP-encoded; the
// column keeps its historical wire name. ImgHash is SHA-256 over the
// encoded bytes and is the dedup key.
type CoverArt struct {
	ID       uuid.UUID `json:"id"`
	WebmBlob []byte    `json:"webm_blob"`
	ImgHash  []byte    `json:"-"`
}

// Playlist represents a playlist in the database.
type Playlist struct {
	ID    uuid.UUID `json:"id"`
	Owner uuid.UUID `json:"-"`
	Name  string    `json:"name"`
}

// CreateUserParams for creating a user.
type CreateUserParams struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
}

// InsertAuthKeyParams for recording a freshly issued signing secret.
type InsertAuthKeyParams struct {
	ID     uuid.UUID
	Secret []byte
	Expiry int64
}

// InsertTrackParams for the ingestion commit.
type InsertTrackParams struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Title     string
	Disk      *int64
	Track     *int64
	TagsJSON  string
	OrigFname string
	Path      string
	Album     *uuid.UUID
	Artist    *uuid.UUID
	CoverArt  *uuid.UUID
}

// InsertCoverArtParams for a new deduplicated cover image.
type InsertCoverArtParams struct {
	ID       uuid.UUID
	WebmBlob []byte
	ImgHash  []byte
}

// InsertArtistParams for a new artist row.
type InsertArtistParams struct {
	ID       uuid.UUID
	Name     string
	SortName *string
}

// InsertAlbumParams for a new album row.
type InsertAlbumParams struct {
	ID        uuid.UUID
	Title     string
	SortTitle *string
}

// CreatePlaylistParams for creating a playlist.
type CreatePlaylistParams struct {
	ID    uuid.UUID
	Owner uuid.UUID
	Name  string
}
