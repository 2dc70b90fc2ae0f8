// Package auth is the admin session layer: bcrypt password hashing,
// opaque session tokens whose SHA-256 hash (never the raw token) is
// what reaches the store, and the INITIAL_ADMIN_* bootstrap that seeds
// the first account. Grounded on auth.Store's
// CreateUser/Authenticate/ValidateSession shape, adapted from its
// flat-file JSON store to internal/store's sqlite-backed
// users/sessions tables and from its raw-hex session token to a
// hashed-at-rest one.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mimosa/internal/store"
)

// ErrInvalidCredentials is returned by Login for a bad username or
// password. Deliberately the same error for both cases so a caller
// cannot use response shape to enumerate valid usernames.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrSessionInvalid is returned by Verify for a missing, expired, or
// tampered session token.
var ErrSessionInvalid = errors.New("auth: invalid session")

// Store is the subset of internal/store.Store the auth layer needs.
type Store interface {
	InsertUser(u *store.User) (*store.User, error)
	GetUserByUsername(username string) (*store.User, error)
	CountUsers() (int, error)
	InsertSession(sess *store.Session) error
	GetSession(tokenHash string) (*store.Session, error)
	DeleteSession(tokenHash string) error
	PurgeExpiredSessions(now time.Time) error
}

// Service wraps Store with the hashing and token logic.
type Service struct {
	store      Store
	sessionTTL time.Duration
	now        func() time.Time
}

// New builds a Service. sessionTTL <= 0 defaults to 24h.
func New(s Store, sessionTTL time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Service{store: s, sessionTTL: sessionTTL, now: time.Now}
}

// Bootstrap creates the first admin account from username/password if
// and only if no accounts exist yet. A no-op (not an error) once any
// account exists, so it is safe to call unconditionally at startup
// from INITIAL_ADMIN_* env vars.
func (s *Service) Bootstrap(username, password string) error {
	n, err := s.store.CountUsers()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("auth: no admin account exists and INITIAL_ADMIN_USERNAME/PASSWORD are unset")
	}
	_, err = s.CreateUser(username, password)
	return err
}

// CreateUser hashes password with bcrypt and inserts the account.
func (s *Service) CreateUser(username, password string) (*store.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.store.InsertUser(&store.User{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	})
}

// Login verifies username/password and issues a new session, returning
// the raw token; the admin API sends it to the client in its JSON
// response and sets no cookie. The store only ever sees the token's
// SHA-256 hash.
func (s *Service) Login(username, password string) (token string, expiresAt time.Time, err error) {
	user, err := s.store.GetUserByUsername(username)
	if errors.Is(err, store.ErrNotFound) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, err = generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now().UTC()
	expiresAt = now.Add(s.sessionTTL)
	if err := s.store.InsertSession(&store.Session{
		TokenHash: hashToken(token),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify resolves a raw session token to its owning user ID, or
// ErrSessionInvalid if the token is unknown, expired, or malformed.
func (s *Service) Verify(ctx context.Context, token string) (uint64, error) {
	if token == "" {
		return 0, ErrSessionInvalid
	}
	sess, err := s.store.GetSession(hashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrSessionInvalid
	}
	if err != nil {
		return 0, err
	}
	if !sess.ExpiresAt.After(s.now()) {
		return 0, ErrSessionInvalid
	}
	return sess.UserID, nil
}

// Logout deletes the session row behind token. A token that does not
// exist is treated as already logged out, not an error.
func (s *Service) Logout(token string) error {
	if token == "" {
		return nil
	}
	return s.store.DeleteSession(hashToken(token))
}

// PurgeExpired removes every session row past its expiry. Nothing in
// this module calls it on a schedule; Verify rejects expired rows
// whether or not they have been purged.
func (s *Service) PurgeExpired() error {
	return s.store.PurgeExpiredSessions(s.now())
}

func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
