package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Connect(context.Background(), filepath.Join(t.TempDir(), "music.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func mkUser(t *testing.T, s *Store, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := s.CreateUser(context.Background(), CreateUserParams{
		ID: id, Username: name, PasswordHash: "$argon2id$fake",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func mkTrack(t *testing.T, s *Store, p InsertTrackParams) uuid.UUID {
	t.Helper()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.TagsJSON == "" {
		p.TagsJSON = "{}"
	}
	if err := s.InsertTrack(context.Background(), p); err != nil {
		t.Fatalf("insert track: %v", err)
	}
	return p.ID
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mkUser(t, s, "alice")
	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.ID != id || u.PasswordHash != "$argon2id$fake" {
		t.Errorf("got %+v", u)
	}

	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing user: got %v; want sql.ErrNoRows", err)
	}
	taken, err := s.UsernameTaken(ctx, "alice")
	if err != nil || !taken {
		t.Errorf("UsernameTaken(alice) = %v, %v; want true", taken, err)
	}
	// Unique constraint on username.
	if err := s.CreateUser(ctx, CreateUserParams{ID: uuid.New(), Username: "alice", PasswordHash: "x"}); err == nil {
		t.Error("duplicate username insert succeeded")
	}
}

func TestAuthKeysExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := mkUser(t, s, "alice")
	now := time.Now().Unix()

	for _, exp := range []int64{now - 10, now + 100, now + 200} {
		if err := s.InsertAuthKey(ctx, InsertAuthKeyParams{ID: user, Secret: []byte{1, 2, 3}, Expiry: exp}); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.ListAuthKeys(ctx, user, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d live keys; want 2", len(keys))
	}
	if keys[0].Expiry != now+100 || keys[1].Expiry != now+200 {
		t.Errorf("keys not ordered by expiry: %v, %v", keys[0].Expiry, keys[1].Expiry)
	}

	if err := s.DeleteExpiredAuthKeys(ctx, now); err != nil {
		t.Fatal(err)
	}
	keys, err = s.ListAuthKeys(ctx, user, now-100)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("expired sweep removed live keys: %d left", len(keys))
	}
}

func TestTrackRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := mkUser(t, s, "alice")

	artist := uuid.New()
	if err := s.InsertArtist(ctx, InsertArtistParams{ID: artist, Name: "Foo"}); err != nil {
		t.Fatal(err)
	}
	disk := int64(1)
	id := mkTrack(t, s, InsertTrackParams{
		Owner: owner, Title: "Song", Disk: &disk,
		TagsJSON: `{"genre":"jazz"}`, OrigFname: "song.flac", Path: "a/b",
		Artist: &artist,
	})

	got, err := s.GetTrack(ctx, id, owner)
	if err != nil {
		t.Fatalf("get track: %v", err)
	}
	if got.Title != "Song" || got.Path != "a/b" || got.OrigFname != "song.flac" {
		t.Errorf("got %+v", got)
	}
	if got.Disk == nil || *got.Disk != 1 || got.Track != nil {
		t.Errorf("disk/track mismatch: %+v", got)
	}
	if got.Artist == nil || *got.Artist != artist || got.Album != nil || got.CoverArt != nil {
		t.Errorf("refs mismatch: %+v", got)
	}
	if got.Tags["genre"] != "jazz" {
		t.Errorf("tags = %v", got.Tags)
	}

	// Another user must not see the row.
	other := mkUser(t, s, "bob")
	if _, err := s.GetTrack(ctx, id, other); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("cross-user get: %v; want sql.ErrNoRows", err)
	}

	if err := s.UpdateTrackPath(ctx, id, owner, "c"); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.GetTrackPath(ctx, id, owner); p != "c" {
		t.Errorf("path after move = %q", p)
	}

	if err := s.DeleteTrack(ctx, id, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTrack(ctx, id, owner); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get after delete: %v; want sql.ErrNoRows", err)
	}
}

func TestDedupLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash := make([]byte, 32)
	hash[0] = 0xAB
	cover := uuid.New()
	if err := s.InsertCoverArt(ctx, InsertCoverArtParams{ID: cover, WebmBlob: []byte("webp"), ImgHash: hash}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCoverArtIDByHash(ctx, hash)
	if err != nil || got != cover {
		t.Errorf("cover by hash = %v, %v", got, err)
	}
	// img_hash is unique.
	if err := s.InsertCoverArt(ctx, InsertCoverArtParams{ID: uuid.New(), WebmBlob: []byte("x"), ImgHash: hash}); err == nil {
		t.Error("duplicate img_hash insert succeeded")
	}

	artist := uuid.New()
	if err := s.InsertArtist(ctx, InsertArtistParams{ID: artist, Name: "Foo"}); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetArtistIDByName(ctx, "Foo"); err != nil || got != artist {
		t.Errorf("artist by name = %v, %v", got, err)
	}
	// Dedup key is case-sensitive exact.
	if _, err := s.GetArtistIDByName(ctx, "foo"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("case-insensitive artist hit: %v", err)
	}

	album := uuid.New()
	if err := s.InsertAlbum(ctx, InsertAlbumParams{ID: album, Title: "Bar"}); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetAlbumIDByTitle(ctx, "Bar"); err != nil || got != album {
		t.Errorf("album by title = %v, %v", got, err)
	}
}

func TestAlbumQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := mkUser(t, s, "alice")
	other := mkUser(t, s, "bob")

	album := uuid.New()
	if err := s.InsertAlbum(ctx, InsertAlbumParams{ID: album, Title: "LP"}); err != nil {
		t.Fatal(err)
	}
	t1 := mkTrack(t, s, InsertTrackParams{Owner: owner, Title: "one", OrigFname: "1", Path: "", Album: &album})
	t2 := mkTrack(t, s, InsertTrackParams{Owner: owner, Title: "two", OrigFname: "2", Path: "", Album: &album})
	mkTrack(t, s, InsertTrackParams{Owner: other, Title: "theirs", OrigFname: "3", Path: "", Album: &album})

	title, err := s.GetAlbumTitle(ctx, album, owner)
	if err != nil || title != "LP" {
		t.Errorf("album title = %q, %v", title, err)
	}
	ids, err := s.ListAlbumTrackIDs(ctx, album, owner)
	if err != nil || len(ids) != 2 {
		t.Fatalf("album tracks = %v, %v; want 2 ids", ids, err)
	}
	seen := map[uuid.UUID]bool{ids[0]: true, ids[1]: true}
	if !seen[t1] || !seen[t2] {
		t.Errorf("album tracks = %v; want %v and %v", ids, t1, t2)
	}

	// Distinct album ids even with two referencing tracks.
	albums, err := s.ListAlbumIDsByOwner(ctx, owner)
	if err != nil || len(albums) != 1 || albums[0] != album {
		t.Errorf("owner albums = %v, %v", albums, err)
	}

	// A user with no tracks on the album sees nothing.
	third := mkUser(t, s, "carol")
	if _, err := s.GetAlbumTitle(ctx, album, third); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("cross-user album title: %v", err)
	}
}

func TestPlaylists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := mkUser(t, s, "alice")

	pl := uuid.New()
	if err := s.CreatePlaylist(ctx, CreatePlaylistParams{ID: pl, Owner: owner, Name: "mix"}); err != nil {
		t.Fatal(err)
	}
	var tracks []uuid.UUID
	for i := 0; i < 3; i++ {
		id := mkTrack(t, s, InsertTrackParams{Owner: owner, Title: "t", OrigFname: "t", Path: ""})
		pos, err := s.GetMaxPlaylistPosition(ctx, pl)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AddTrackToPlaylist(ctx, pl, id, pos+1); err != nil {
			t.Fatal(err)
		}
		tracks = append(tracks, id)
	}

	got, err := s.ListPlaylistTrackIDs(ctx, pl, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != tracks[0] || got[1] != tracks[1] || got[2] != tracks[2] {
		t.Errorf("playlist order = %v; want %v", got, tracks)
	}

	if err := s.RemoveTrackFromPlaylist(ctx, pl, tracks[1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ListPlaylistTrackIDs(ctx, pl, owner)
	if len(got) != 2 || got[0] != tracks[0] || got[1] != tracks[2] {
		t.Errorf("playlist after remove = %v", got)
	}

	lists, err := s.ListPlaylistIDsByOwner(ctx, owner)
	if err != nil || len(lists) != 1 || lists[0] != pl {
		t.Errorf("owner playlists = %v, %v", lists, err)
	}

	if err := s.DeletePlaylist(ctx, pl, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPlaylistName(ctx, pl, owner); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("playlist after delete: %v", err)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.CreateUser(ctx, CreateUserParams{ID: uuid.New(), Username: "ghost", PasswordHash: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v; want boom", err)
	}
	if taken, _ := s.UsernameTaken(ctx, "ghost"); taken {
		t.Error("rolled-back user is visible")
	}
}
