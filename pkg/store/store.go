// Package store implements the relational catalog on an embedded SQLite
// database at <DATA_DIR>/music.db.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so every query method
// works inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every catalog query. All user-influenced values travel
// through parameter binding; no value is ever spliced into SQL text.
type Queries struct {
	db DBTX
}

// Store holds the database handle.
// Services receive a Store; tests open one against a temp file.
type Store struct {
	Queries
	db *sql.DB
}

// Connect opens (creating if missing) the catalog at path and returns a
// Store. WAL mode keeps readers unblocked by the single writer; the busy
// timeout covers the writer handoff.
func Connect(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{Queries: Queries{db: db}, db: db}, nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the catalog is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn against a transaction-scoped query set. The transaction
// commits when fn returns nil and rolls back otherwise (including panics,
// via the deferred rollback).
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- users ---

// GetUserByUsername returns a user by username. sql.ErrNoRows when absent.
func (q *Queries) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	var id string
	row := q.db.QueryRowContext(ctx, `SELECT id, username, password_hash FROM users WHERE username = ?`, username)
	if err := row.Scan(&id, &u.Username, &u.PasswordHash); err != nil {
		return User{}, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return User{}, fmt.Errorf("corrupt user id %q: %w", id, err)
	}
	u.ID = uid
	return u, nil
}

// UsernameTaken reports whether a user with the given name exists.
func (q *Queries) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n)
	return n > 0, err
}

// UserIDTaken reports whether a user row already claims the given id.
func (q *Queries) UserIDTaken(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, id.String()).Scan(&n)
	return n > 0, err
}

// CreateUser inserts a new user.
func (q *Queries) CreateUser(ctx context.Context, p CreateUserParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES (?, ?, ?)`,
		p.ID.String(), p.Username, p.PasswordHash)
	return err
}

// --- auth keys ---

// InsertAuthKey records a freshly issued signing secret for a user.
func (q *Queries) InsertAuthKey(ctx context.Context, p InsertAuthKeyParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO auth_keys (id, secret, expiry) VALUES (?, ?, ?)`,
		p.ID.String(), p.Secret, p.Expiry)
	return err
}

// ListAuthKeys returns every unexpired signing secret for the user, oldest
// expiry first. Expired rows are never selectable; deletion is lazy.
func (q *Queries) ListAuthKeys(ctx context.Context, user uuid.UUID, now int64) ([]AuthKey, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT secret, expiry FROM auth_keys WHERE id = ? AND expiry > ? ORDER BY expiry ASC`,
		user.String(), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuthKey
	for rows.Next() {
		k := AuthKey{ID: user}
		if err := rows.Scan(&k.Secret, &k.Expiry); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteExpiredAuthKeys sweeps rows whose expiry has passed.
func (q *Queries) DeleteExpiredAuthKeys(ctx context.Context, now int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM auth_keys WHERE expiry <= ?`, now)
	return err
}

// --- tracks ---

// InsertTrack inserts the catalog row for a freshly ingested track.
func (q *Queries) InsertTrack(ctx context.Context, p InsertTrackParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tracks (id, owner, title, disk, track, tags, orig_fname, path, album, artist, cover_art)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Owner.String(), p.Title, p.Disk, p.Track, p.TagsJSON,
		p.OrigFname, p.Path, uuidPtr(p.Album), uuidPtr(p.Artist), uuidPtr(p.CoverArt))
	return err
}

// GetTrack returns a track by (id, owner). sql.ErrNoRows when the join
// yields nothing — cross-user ids are indistinguishable from absent ones.
func (q *Queries) GetTrack(ctx context.Context, id, owner uuid.UUID) (Track, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT title, disk, track, tags, orig_fname, path, album, artist, cover_art
		 FROM tracks WHERE id = ? AND owner = ?`,
		id.String(), owner.String())
	t := Track{ID: id, Owner: owner}
	var tagsJSON string
	var album, artist, coverArt sql.NullString
	if err := row.Scan(&t.Title, &t.Disk, &t.Track, &tagsJSON, &t.OrigFname, &t.Path, &album, &artist, &coverArt); err != nil {
		return Track{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return Track{}, fmt.Errorf("corrupt tags for track %s: %w", id, err)
	}
	var err error
	if t.Album, err = scanUUID(album); err != nil {
		return Track{}, err
	}
	if t.Artist, err = scanUUID(artist); err != nil {
		return Track{}, err
	}
	if t.CoverArt, err = scanUUID(coverArt); err != nil {
		return Track{}, err
	}
	return t, nil
}

// GetTrackPath returns the content-store directory of a track relative to
// the owner's root. sql.ErrNoRows when the track is not the owner's.
func (q *Queries) GetTrackPath(ctx context.Context, id, owner uuid.UUID) (string, error) {
	var p string
	err := q.db.QueryRowContext(ctx,
		`SELECT path FROM tracks WHERE id = ? AND owner = ?`,
		id.String(), owner.String()).Scan(&p)
	return p, err
}

// UpdateTrackPath moves a track to a new directory in the catalog.
func (q *Queries) UpdateTrackPath(ctx context.Context, id, owner uuid.UUID, newPath string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tracks SET path = ? WHERE id = ? AND owner = ?`,
		newPath, id.String(), owner.String())
	return err
}

// DeleteTrack removes a track row along with its playlist memberships.
func (q *Queries) DeleteTrack(ctx context.Context, id, owner uuid.UUID) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM playlist_tracks WHERE track = ?`, id.String()); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM tracks WHERE id = ? AND owner = ?`, id.String(), owner.String())
	return err
}

// TrackOwned reports whether the track exists and belongs to owner.
func (q *Queries) TrackOwned(ctx context.Context, id, owner uuid.UUID) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracks WHERE id = ? AND owner = ?`,
		id.String(), owner.String()).Scan(&n)
	return n > 0, err
}

// --- dedup lookups (ingestion) ---

// GetCoverArtIDByHash returns the cover art id with the given image hash.
func (q *Queries) GetCoverArtIDByHash(ctx context.Context, imgHash []byte) (uuid.UUID, error) {
	var id string
	if err := q.db.QueryRowContext(ctx,
		`SELECT id FROM cover_art WHERE img_hash = ?`, imgHash).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// InsertCoverArt stores a new deduplicated cover image.
func (q *Queries) InsertCoverArt(ctx context.Context, p InsertCoverArtParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO cover_art (id, webm_blob, img_hash) VALUES (?, ?, ?)`,
		p.ID.String(), p.WebmBlob, p.ImgHash)
	return err
}

// GetArtistIDByName returns the artist with the exact (case-sensitive) name.
func (q *Queries) GetArtistIDByName(ctx context.Context, name string) (uuid.UUID, error) {
	var id string
	if err := q.db.QueryRowContext(ctx,
		`SELECT id FROM artists WHERE name = ?`, name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// InsertArtist stores a new artist row.
func (q *Queries) InsertArtist(ctx context.Context, p InsertArtistParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO artists (id, name, sort_name) VALUES (?, ?, ?)`,
		p.ID.String(), p.Name, p.SortName)
	return err
}

// GetAlbumIDByTitle returns the album with the exact title.
func (q *Queries) GetAlbumIDByTitle(ctx context.Context, title string) (uuid.UUID, error) {
	var id string
	if err := q.db.QueryRowContext(ctx,
		`SELECT id FROM albums WHERE title = ?`, title).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// InsertAlbum stores a new album row.
func (q *Queries) InsertAlbum(ctx context.Context, p InsertAlbumParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO albums (id, title, sort_title) VALUES (?, ?, ?)`,
		p.ID.String(), p.Title, p.SortTitle)
	return err
}

// --- read-side queries ---

// GetAlbumTitle returns the album's title if at least one of owner's tracks
// references it.
func (q *Queries) GetAlbumTitle(ctx context.Context, id, owner uuid.UUID) (string, error) {
	var title string
	err := q.db.QueryRowContext(ctx,
		`SELECT albums.title FROM albums
		 JOIN tracks ON tracks.album = albums.id
		 WHERE albums.id = ? AND tracks.owner = ?`,
		id.String(), owner.String()).Scan(&title)
	return title, err
}

// ListAlbumTrackIDs returns the ids of the owner's tracks on the album.
func (q *Queries) ListAlbumTrackIDs(ctx context.Context, id, owner uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT tracks.id FROM tracks
		 JOIN albums ON tracks.album = albums.id
		 WHERE albums.id = ? AND tracks.owner = ?`,
		id.String(), owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

// GetArtist returns an artist if at least one of owner's tracks references it.
func (q *Queries) GetArtist(ctx context.Context, id, owner uuid.UUID) (Artist, error) {
	a := Artist{ID: id}
	err := q.db.QueryRowContext(ctx,
		`SELECT artists.name, artists.sort_name FROM artists
		 JOIN tracks ON tracks.artist = artists.id
		 WHERE artists.id = ? AND tracks.owner = ?`,
		id.String(), owner.String()).Scan(&a.Name, &a.SortName)
	return a, err
}

// GetCoverArtBlob returns a cover image if at least one of owner's tracks
// references it.
func (q *Queries) GetCoverArtBlob(ctx context.Context, id, owner uuid.UUID) ([]byte, error) {
	var blob []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT cover_art.webm_blob FROM cover_art
		 JOIN tracks ON tracks.cover_art = cover_art.id
		 WHERE cover_art.id = ? AND tracks.owner = ?`,
		id.String(), owner.String()).Scan(&blob)
	return blob, err
}

// ListAlbumIDsByOwner returns the distinct album ids referenced by the
// owner's tracks.
func (q *Queries) ListAlbumIDsByOwner(ctx context.Context, owner uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT album FROM tracks WHERE owner = ? AND album IS NOT NULL`,
		owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

// ListPlaylistIDsByOwner returns the ids of the owner's playlists.
func (q *Queries) ListPlaylistIDsByOwner(ctx context.Context, owner uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM playlists WHERE owner = ?`, owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

// --- playlists ---

// CreatePlaylist inserts a new playlist.
func (q *Queries) CreatePlaylist(ctx context.Context, p CreatePlaylistParams) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO playlists (id, owner, name) VALUES (?, ?, ?)`,
		p.ID.String(), p.Owner.String(), p.Name)
	return err
}

// GetPlaylistName returns the playlist's name if owner owns it.
func (q *Queries) GetPlaylistName(ctx context.Context, id, owner uuid.UUID) (string, error) {
	var name string
	err := q.db.QueryRowContext(ctx,
		`SELECT name FROM playlists WHERE id = ? AND owner = ?`,
		id.String(), owner.String()).Scan(&name)
	return name, err
}

// ListPlaylistTrackIDs returns the playlist's track ids in insertion order,
// scoped to the owner.
func (q *Queries) ListPlaylistTrackIDs(ctx context.Context, id, owner uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT playlist_tracks.track FROM playlist_tracks
		 JOIN playlists ON playlists.id = playlist_tracks.playlist
		 WHERE playlist_tracks.playlist = ? AND playlists.owner = ?
		 ORDER BY playlist_tracks.position ASC`,
		id.String(), owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUUIDs(rows)
}

// DeletePlaylist removes a playlist and its membership rows.
func (q *Queries) DeletePlaylist(ctx context.Context, id, owner uuid.UUID) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM playlist_tracks WHERE playlist = ?`, id.String()); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM playlists WHERE id = ? AND owner = ?`,
		id.String(), owner.String())
	return err
}

// GetMaxPlaylistPosition returns the highest position in the playlist, or 0.
func (q *Queries) GetMaxPlaylistPosition(ctx context.Context, playlist uuid.UUID) (int64, error) {
	var pos int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM playlist_tracks WHERE playlist = ?`,
		playlist.String()).Scan(&pos)
	return pos, err
}

// AddTrackToPlaylist appends a track at the given position.
func (q *Queries) AddTrackToPlaylist(ctx context.Context, playlist, track uuid.UUID, position int64) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO playlist_tracks (playlist, track, position) VALUES (?, ?, ?)`,
		playlist.String(), track.String(), position)
	return err
}

// RemoveTrackFromPlaylist drops a membership row.
func (q *Queries) RemoveTrackFromPlaylist(ctx context.Context, playlist, track uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM playlist_tracks WHERE playlist = ? AND track = ?`,
		playlist.String(), track.String())
	return err
}

// --- scan helpers ---

func scanUUID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt uuid %q: %w", ns.String, err)
	}
	return &id, nil
}

func uuidPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func collectUUIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt uuid %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
