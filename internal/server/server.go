// Package server assembles the HTTP router: routes, middleware, and the
// version handshake.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aria-music/aria/internal/auth"
	"github.com/aria-music/aria/internal/folders"
	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/internal/playlist"
	"github.com/aria-music/aria/internal/query"
	"github.com/aria-music/aria/internal/secret"
	"github.com/aria-music/aria/internal/trackman"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/store"
)

// New builds the full router. kv may be nil (rate limiting off); lock is
// the process-wide library lock shared by every service.
func New(db *store.Store, blob *blobstore.Store, secrets *secret.Holder, kv *redis.Client, signupEnabled bool, lock *sync.RWMutex) chi.Router {
	authSvc := auth.New(db, blob, secrets, kv, signupEnabled)
	folderSvc := folders.New(blob, lock)
	trackSvc := trackman.New(db, blob, lock)
	querySvc := query.New(db, lock)
	plSvc := playlist.New(db)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/ver", version)

	r.Post("/user/signup", httperr.Handler(authSvc.Signup))
	r.Get("/user/login", httperr.Handler(authSvc.Login))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(db))

		r.Patch("/user/refresh", httperr.Handler(authSvc.Refresh))

		r.Route("/api", func(r chi.Router) {
			r.Get("/auth_test", auth.AuthTest)

			r.Route("/track", func(r chi.Router) {
				r.Post("/", httperr.Handler(trackSvc.Upload))
				r.Get("/", httperr.Handler(trackSvc.Stream))
				r.Patch("/", httperr.Handler(trackSvc.Move))
				r.Delete("/", httperr.Handler(trackSvc.Delete))
			})

			r.Route("/query", func(r chi.Router) {
				r.Get("/ti", httperr.Handler(querySvc.TrackInfo))
				r.Get("/ai", httperr.Handler(querySvc.AlbumInfo))
				r.Get("/pi", httperr.Handler(querySvc.PlaylistInfo))
				r.Get("/ca", httperr.Handler(querySvc.CoverArt))
				r.Get("/ar", httperr.Handler(querySvc.Artist))
			})

			r.Route("/load", func(r chi.Router) {
				r.Get("/albums", httperr.Handler(querySvc.Albums))
				r.Get("/playlists", httperr.Handler(querySvc.Playlists))
			})

			r.Route("/folder", func(r chi.Router) {
				r.Put("/", httperr.Handler(folderSvc.Create))
				r.Get("/", httperr.Handler(folderSvc.Query))
				r.Patch("/", httperr.Handler(folderSvc.Rename))
				r.Delete("/", httperr.Handler(folderSvc.Delete))
			})

			r.Route("/playlist", func(r chi.Router) {
				r.Post("/", httperr.Handler(plSvc.Create))
				r.Delete("/", httperr.Handler(plSvc.Delete))
				r.Put("/track", httperr.Handler(plSvc.AddTrack))
				r.Delete("/track", httperr.Handler(plSvc.RemoveTrack))
			})
		})
	})
	return r
}

// The two fixed keys let existing clients recognize a compatible server
// during the /ver handshake.
var (
	specialKey0 = uuid.MustParse("ddf6b403-6a16-4b65-92e0-8342cad3c3e1")
	specialKey1 = uuid.MustParse("b39120cb-f4be-49b5-93ef-9da95610df7d")
)

const (
	verMajor = 0
	verMinor = 1
	verPatch = 0
)

func version(w http.ResponseWriter, _ *http.Request) {
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"special_key_0": specialKey0,
		"special_key_1": specialKey1,
		"major":         verMajor,
		"minor":         verMinor,
		"patch":         verPatch,
	})
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
