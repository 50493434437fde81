// Package auth handles signup, login, token refresh, and the bearer-token
// middleware.
//
// Tokens are HS512 JWTs carrying {userid, exp}. The signing key for a
// token is the 1024-byte secret recorded in its AuthKey row at issue time;
// the row is a copy of the holder secret current at that moment, so tokens
// survive holder rotation until their own expiry.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aria-music/aria/internal/httperr"
	"github.com/aria-music/aria/internal/secret"
	"github.com/aria-music/aria/pkg/blobstore"
	"github.com/aria-music/aria/pkg/store"
)

const (
	tokenTTL    = 7 * 24 * time.Hour
	loginLimit  = 10 // max attempts per IP per window
	loginWindow = time.Minute
)

// Service handles auth HTTP routes.
type Service struct {
	db      *store.Store
	blob    *blobstore.Store
	secrets *secret.Holder
	// kv is nil when no Redis endpoint is configured; rate limiting is
	// then disabled.
	kv            *redis.Client
	signupEnabled bool
}

// New returns a new auth Service.
func New(db *store.Store, blob *blobstore.Store, secrets *secret.Holder, kv *redis.Client, signupEnabled bool) *Service {
	return &Service{db: db, blob: blob, secrets: secrets, kv: kv, signupEnabled: signupEnabled}
}

// --- claims ---

// Claims is the token payload: exactly {userid, exp}.
type Claims struct {
	UserID uuid.UUID `json:"userid"`
	Exp    int64     `json:"exp"`
}

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Exp, 0)), nil
}
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)  { return nil, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *Claims) GetIssuer() (string, error)              { return "", nil }
func (c *Claims) GetSubject() (string, error)             { return "", nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

func signToken(c *Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS512, c).SignedString(key)
}

func decodeToken(raw string, key []byte) (*Claims, error) {
	var c Claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return &c, nil
}

// claimedUser extracts the userid claim without verifying the signature,
// so the middleware knows whose AuthKey rows to fetch.
func claimedUser(raw string) (uuid.UUID, error) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return uuid.Nil, err
	}
	if c.UserID == uuid.Nil {
		return uuid.Nil, errors.New("token carries no userid")
	}
	return c.UserID, nil
}

// --- handlers ---

// Signup handles POST /user/signup with Basic credentials. The user row
// and the content-root directory are committed together.
func (s *Service) Signup(w http.ResponseWriter, r *http.Request) error {
	if !s.signupEnabled {
		return httperr.E(httperr.Forbidden, "signup is disabled", nil)
	}
	uname, passwd, ok := r.BasicAuth()
	if !ok || uname == "" {
		return httperr.E(httperr.BadRequest, "basic credentials required", nil)
	}

	// Hash before the transaction: argon2id is deliberately slow and must
	// not hold the write transaction open.
	phc, err := argon2id.CreateHash(passwd, argon2id.DefaultParams)
	if err != nil {
		return httperr.E(httperr.Internal, "could not generate phc string", err)
	}

	err = s.db.WithTx(r.Context(), func(q *store.Queries) error {
		taken, err := q.UsernameTaken(r.Context(), uname)
		if err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		if taken {
			return httperr.E(httperr.Conflict, "username already taken", nil)
		}
		uid, err := freshUserID(r.Context(), q)
		if err != nil {
			return err
		}
		if err := q.CreateUser(r.Context(), store.CreateUserParams{
			ID: uid, Username: uname, PasswordHash: phc,
		}); err != nil {
			return httperr.E(httperr.Internal, "database error", err)
		}
		// Directory creation rides inside the transaction scope: a failed
		// mkdir aborts the user row too. An existing dir is not fatal.
		if err := s.blob.EnsureUserRoot(uid); err != nil {
			return httperr.E(httperr.Internal, "failed to create user dir", err)
		}
		slog.Info("user created", "username", uname, "id", uid)
		return nil
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// Login handles GET /user/login with Basic credentials and returns a fresh
// token. Unknown users and bad passwords produce the identical response so
// usernames cannot be enumerated.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) error {
	if err := s.checkLoginLimit(r); err != nil {
		return err
	}
	uname, passwd, ok := r.BasicAuth()
	if !ok {
		return httperr.E(httperr.BadRequest, "basic credentials required", nil)
	}

	user, err := s.db.GetUserByUsername(r.Context(), uname)
	if errors.Is(err, sql.ErrNoRows) {
		return httperr.E(httperr.Unauthorized, "unable to verify user on server", nil)
	}
	if err != nil {
		return httperr.E(httperr.Internal, "database error", err)
	}
	match, err := argon2id.ComparePasswordAndHash(passwd, user.PasswordHash)
	if err != nil {
		return httperr.E(httperr.Internal, "unable to parse phc string", err)
	}
	if !match {
		return httperr.E(httperr.Unauthorized, "unable to verify user on server", nil)
	}

	tok, err := s.issueToken(r.Context(), user.ID)
	if err != nil {
		return err
	}
	slog.Debug("login token generated", "user", user.ID)
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"token": tok})
	return nil
}

// Refresh handles PATCH /user/refresh for an authenticated user. Older
// tokens stay valid until their own AuthKey rows expire.
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) error {
	user := UserFromCtx(r.Context())
	tok, err := s.issueToken(r.Context(), user)
	if err != nil {
		return err
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"token": tok})
	return nil
}

// issueToken signs a new token with the current holder secret and records
// that secret as an AuthKey row expiring with the token.
func (s *Service) issueToken(ctx context.Context, user uuid.UUID) (string, error) {
	sec := s.secrets.Current()
	exp := time.Now().Add(tokenTTL).Unix()
	now := time.Now().Unix()
	err := s.db.WithTx(ctx, func(q *store.Queries) error {
		// Lazy cleanup: expired keys are never selectable, but issuing a
		// token is a convenient moment to sweep them.
		if err := q.DeleteExpiredAuthKeys(ctx, now); err != nil {
			return err
		}
		return q.InsertAuthKey(ctx, store.InsertAuthKeyParams{
			ID: user, Secret: sec[:], Expiry: exp,
		})
	})
	if err != nil {
		return "", httperr.E(httperr.Internal, "database error", err)
	}
	tok, err := signToken(&Claims{UserID: user, Exp: exp}, sec[:])
	if err != nil {
		return "", httperr.E(httperr.Internal, "failed to generate token", err)
	}
	return tok, nil
}

func freshUserID(ctx context.Context, q *store.Queries) (uuid.UUID, error) {
	for {
		uid := uuid.New()
		taken, err := q.UserIDTaken(ctx, uid)
		if err != nil {
			return uuid.Nil, httperr.E(httperr.Internal, "database error", err)
		}
		if !taken {
			return uid, nil
		}
	}
}

// --- rate limit ---

func loginAttemptsKey(ip string) string {
	return "ratelimit:login:" + strings.ReplaceAll(ip, ":", "_")
}

func (s *Service) checkLoginLimit(r *http.Request) error {
	if s.kv == nil {
		return nil
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	key := loginAttemptsKey(ip)
	attempts, err := s.kv.Incr(r.Context(), key).Result()
	if err != nil {
		// A broken limiter must not lock everyone out.
		slog.Warn("login rate limiter unavailable", "err", err)
		return nil
	}
	if attempts == 1 {
		s.kv.Expire(r.Context(), key, loginWindow)
	}
	if attempts > loginLimit {
		return httperr.E(httperr.TooManyRequests, "too many login attempts", nil)
	}
	return nil
}

// --- middleware ---

type ctxKey struct{}

// Middleware validates bearer tokens against every unexpired AuthKey of
// the claimed user and injects the verified user id into the context.
func Middleware(db *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hdr := r.Header.Get("Authorization")
			if !strings.HasPrefix(hdr, "Bearer ") {
				httperr.Render(w, r, httperr.E(httperr.BadRequest, "bearer token required", nil))
				return
			}
			raw := strings.TrimPrefix(hdr, "Bearer ")

			user, err := claimedUser(raw)
			if err != nil {
				httperr.Render(w, r, httperr.E(httperr.Unauthorized, "invalid auth token", err))
				return
			}
			keys, err := db.ListAuthKeys(r.Context(), user, time.Now().Unix())
			if err != nil {
				httperr.Render(w, r, httperr.E(httperr.Internal, "database error", err))
				return
			}
			claims := verifyAgainstAny(raw, keys)
			if claims == nil {
				httperr.Render(w, r, httperr.E(httperr.Unauthorized, "invalid auth token", nil))
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyAgainstAny tries every candidate secret concurrently and returns
// the first verified claim set, or nil. Refresh never revokes older
// tokens, so several keys (usually well under ten) may be live at once.
func verifyAgainstAny(raw string, keys []store.AuthKey) *Claims {
	if len(keys) == 0 {
		return nil
	}
	results := make(chan *Claims, len(keys))
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(sec []byte) {
			defer wg.Done()
			if c, err := decodeToken(raw, sec); err == nil {
				results <- c
			}
		}(k.Secret)
	}
	wg.Wait()
	close(results)
	return <-results
}

// UserFromCtx extracts the authenticated user id from the request context.
func UserFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxKey{}).(uuid.UUID)
	return v
}

// AuthTest is an authenticated no-op; clients use it to check a token.
func AuthTest(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "{}")
}
