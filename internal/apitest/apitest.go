// Package apitest provides the shared harness for handler tests: a fully
// wired router over a temp data dir and catalog, plus request helpers.
package apitest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aria-music/aria/internal/secret"
	"github.com/aria-music/aria/internal/server"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/store"
)

// Harness is one test server instance rooted in a temp directory.
type Harness struct {
	T       *testing.T
	DB      *store.Store
	Blob    *blobstore.Store
	Secrets *secret.Holder
	Router  chi.Router
	DataDir string
}

// New builds a harness with signup enabled and no rate limiter.
func New(t *testing.T) *Harness {
	t.Helper()
	return NewWithOpts(t, nil, true)
}

// NewWithKV builds a harness against the given redis client (may be nil).
func NewWithKV(t *testing.T, kv *redis.Client) *Harness {
	t.Helper()
	return NewWithOpts(t, kv, true)
}

// NewWithOpts builds a harness with full control over the optional pieces.
func NewWithOpts(t *testing.T, kv *redis.Client, signupEnabled bool) *Harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Connect(context.Background(), filepath.Join(dir, "music.db"))
	if err != nil {
		t.Fatalf("connect catalog: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	blob, err := blobstore.New(dir)
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	secrets, err := secret.Load(dir)
	if err != nil {
		t.Fatalf("secret: %v", err)
	}

	var lock sync.RWMutex
	return &Harness{
		T:       t,
		DB:      db,
		Blob:    blob,
		Secrets: secrets,
		Router:  server.New(db, blob, secrets, kv, signupEnabled, &lock),
		DataDir: dir,
	}
}

// Do performs a request with an optional bearer token.
func (h *Harness) Do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	h.T.Helper()
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Router.ServeHTTP(rr, req)
	return rr
}

// DoBasic performs a request with Basic credentials.
func (h *Harness) DoBasic(method, target, user, pass string) *httptest.ResponseRecorder {
	h.T.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.SetBasicAuth(user, pass)
	rr := httptest.NewRecorder()
	h.Router.ServeHTTP(rr, req)
	return rr
}

// GenUser signs the user up, logs in, and returns a bearer token.
func (h *Harness) GenUser(name string) string {
	h.T.Helper()
	if rr := h.DoBasic(http.MethodPost, "/user/signup", name, "password"); rr.Code != http.StatusOK {
		h.T.Fatalf("signup %q: status %d body %s", name, rr.Code, rr.Body)
	}
	rr := h.DoBasic(http.MethodGet, "/user/login", name, "password")
	if rr.Code != http.StatusOK {
		h.T.Fatalf("login %q: status %d body %s", name, rr.Code, rr.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	h.Decode(rr, &resp)
	if resp.Token == "" {
		h.T.Fatalf("login %q returned no token", name)
	}
	return resp.Token
}

// Decode unmarshals a recorded JSON body into v.
func (h *Harness) Decode(rr *httptest.ResponseRecorder, v any) {
	h.T.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		h.T.Fatalf("decode response %q: %v", rr.Body, err)
	}
}
