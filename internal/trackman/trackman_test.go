package trackman_test

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/aria-music/aria/internal/apitest"
)

// wavBody is a minimal tagless RIFF/WAVE file.
var wavBody = []byte{
	'R', 'I', 'F', 'F', 0x24, 0, 0, 0,
	'W', 'A', 'V', 'E', 'f', 'm', 't', ' ',
	0x10, 0, 0, 0, 1, 0, 1, 0,
	0x44, 0xAC, 0, 0, 0x88, 0x58, 0x01, 0,
	2, 0, 16, 0,
	'd', 'a', 't', 'a', 0, 0, 0, 0,
}

func upload(t *testing.T, h *apitest.Harness, tok, dir, fname string) uuid.UUID {
	t.Helper()
	target := "/api/track?dir=" + dir
	if fname != "" {
		target += "&fname=" + fname
	}
	rr := h.Do(http.MethodPost, target, tok, bytes.NewReader(wavBody))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload: %d body %s", rr.Code, rr.Body)
	}
	var resp struct {
		UUID uuid.UUID `json:"uuid"`
	}
	h.Decode(rr, &resp)
	if resp.UUID == uuid.Nil {
		t.Fatal("upload returned nil uuid")
	}
	return resp.UUID
}

func userID(t *testing.T, h *apitest.Harness, name string) uuid.UUID {
	t.Helper()
	u, err := h.DB.GetUserByUsername(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func TestUploadStreamDelete(t *testing.T) {
	h := apitest.New(t)
	tok := h.GenUser("alice")
	id := upload(t, h, tok, "", "silence.wav")
	owner := userID(t, h, "alice")

	// The blob exists at <root>/<owner>/<id> right after the commit.
	blobPath := h.Blob.TrackFile(owner, "", id)
	if _, err := os.Stat(blobPath); err != nil {
		t.Fatalf("blob missing after upload: %v", err)
	}

	// Track info: title from the filename, no album/artist/cover.
	rr := h.Do(http.MethodGet, "/api/query/ti?id="+id.String(), tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ti: %d body %s", rr.Code, rr.Body)
	}
	var ti struct {
		ID     uuid.UUID  `json:"id"`
		Title  string     `json:"title"`
		Album  *uuid.UUID `json:"album"`
		Artist *uuid.UUID `json:"artist"`
		Cover  *uuid.UUID `json:"cover_art"`
	}
	h.Decode(rr, &ti)
	if ti.ID != id || ti.Title != "silence.wav" {
		t.Errorf("ti = %+v", ti)
	}
	if ti.Album != nil || ti.Artist != nil || ti.Cover != nil {
		t.Errorf("tagless upload gained references: %+v", ti)
	}

	// Streaming returns the original bytes.
	rr = h.Do(http.MethodGet, "/api/track?id="+id.String(), tok, nil)
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), wavBody) {
		t.Errorf("stream: %d, %d bytes; want original %d bytes", rr.Code, rr.Body.Len(), len(wavBody))
	}

	// Delete removes row and file.
	if rr := h.Do(http.MethodDelete, "/api/track?id="+id.String(), tok, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d body %s", rr.Code, rr.Body)
	}
	if rr := h.Do(http.MethodGet, "/api/track?id="+id.String(), tok, nil); rr.Code != http.StatusNotFound {
		t.Errorf("stream after delete: %d; want 404", rr.Code)
	}
	if rr := h.Do(http.MethodGet, "/api/query/ti?id="+id.String(), tok, nil); rr.Code != http.StatusNotFound {
		t.Errorf("ti after delete: %d; want 404", rr.Code)
	}
	if _, err := os.Stat(blobPath); !os.IsNotExist(err) {
		t.Errorf("blob still present after delete: %v", err)
	}
}

func TestUploadDefaultsFnameToUUID(t *testing.T) {
	h := apitest.New(t)
	tok := h.GenUser("alice")
	id := upload(t, h, tok, "", "")

	rr := h.Do(http.MethodGet, "/api/query/ti?id="+id.String(), tok, nil)
	var ti struct {
		Title string `json:"title"`
	}
	h.Decode(rr, &ti)
	if ti.Title != id.String() {
		t.Errorf("title = %q; want uuid fallback %q", ti.Title, id)
	}
}

func TestUploadTwiceDistinctTracks(t *testing.T) {
	h := apitest.New(t)
	tok := h.GenUser("alice")
	a := upload(t, h, tok, "", "one.wav")
	b := upload(t, h, tok, "", "one.wav")
	if a == b {
		t.Error("two uploads shared a track id")
	}
}

func TestUploadIntoFolderAndMove(t *testing.T) {
	h := apitest.New(t)
	tok := h.GenUser("alice")
	owner := userID(t, h, "alice")

	if rr := h.Do(http.MethodPut, "/api/folder?name=a&path=", tok, nil); rr.Code != http.StatusOK {
		t.Fatalf("mkdir: %d", rr.Code)
	}
	if rr := h.Do(http.MethodPut, "/api/folder?name=b&path=", tok, nil); rr.Code != http.StatusOK {
		t.Fatalf("mkdir: %d", rr.Code)
	}
	id := upload(t, h, tok, "a", "x.wav")
	oldBlob := h.Blob.TrackFile(owner, "a", id)

	rr := h.Do(http.MethodPatch, "/api/track?id="+id.String()+"&new_path=b", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("move: %d body %s", rr.Code, rr.Body)
	}
	if _, err := os.Stat(oldBlob); !os.IsNotExist(err) {
		t.Error("blob still at old path after move")
	}
	if _, err := os.Stat(h.Blob.TrackFile(owner, "b", id)); err != nil {
		t.Errorf("blob missing at new path: %v", err)
	}
	// Streaming still works after the move.
	if rr := h.Do(http.MethodGet, "/api/track?id="+id.String(), tok, nil); rr.Code != http.StatusOK {
		t.Errorf("stream after move: %d", rr.Code)
	}

	// Moving to an escaping path fails without touching the file.
	rr = h.Do(http.MethodPatch, "/api/track?id="+id.String()+"&new_path=..%2F..", tok, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("move to ..: %d; want 400", rr.Code)
	}
	if _, err := os.Stat(h.Blob.TrackFile(owner, "b", id)); err != nil {
		t.Errorf("failed move touched the blob: %v", err)
	}
}

func TestUploadBadDir(t *testing.T) {
	h := apitest.New(t)
	tok := h.GenUser("alice")

	rr := h.Do(http.MethodPost, "/api/track?dir=..%2F..", tok, bytes.NewReader(wavBody))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("upload dir=../..: %d; want 400", rr.Code)
	}
	rr = h.Do(http.MethodPost, "/api/track?dir=missing", tok, bytes.NewReader(wavBody))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("upload into missing dir: %d; want 400", rr.Code)
	}
}

func TestTracksAreUserScoped(t *testing.T) {
	h := apitest.New(t)
	tokA := h.GenUser("a_user")
	tokB := h.GenUser("b_user")
	id := upload(t, h, tokA, "", "mine.wav")

	for _, target := range []string{
		"/api/track?id=" + id.String(),
		"/api/query/ti?id=" + id.String(),
	} {
		if rr := h.Do(http.MethodGet, target, tokB, nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s as other user: %d; want 404", target, rr.Code)
		}
	}
	if rr := h.Do(http.MethodDelete, "/api/track?id="+id.String(), tokB, nil); rr.Code != http.StatusNotFound {
		t.Errorf("cross-user delete: %d; want 404", rr.Code)
	}
	// Still streamable by the owner.
	if rr := h.Do(http.MethodGet, "/api/track?id="+id.String(), tokA, nil); rr.Code != http.StatusOK {
		t.Errorf("owner stream after failed cross-user delete: %d", rr.Code)
	}
}
