package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"mimosa/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	nextID   uint64
	sessions map[string]*store.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*store.User), sessions: make(map[string]*store.Session)}
}

func (f *fakeStore) InsertUser(u *store.User) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *u
	cp.ID = f.nextID
	f.users[u.Username] = &cp
	return &cp, nil
}

func (f *fakeStore) GetUserByUsername(username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) CountUsers() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) InsertSession(sess *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[sess.TokenHash] = &cp
	return nil
}

func (f *fakeStore) GetSession(tokenHash string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) DeleteSession(tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) PurgeExpiredSessions(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, sess := range f.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(f.sessions, hash)
		}
	}
	return nil
}

func TestBootstrapSeedsFirstAdminOnly(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)

	if err := svc.Bootstrap("admin", "hunter22"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := fs.CountUsers(); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}

	// A second bootstrap call must be a no-op, not a duplicate insert
	// or an error.
	if err := svc.Bootstrap("someone-else", "whatever123"); err != nil {
		t.Fatalf("unexpected error on second bootstrap: %v", err)
	}
	if n, _ := fs.CountUsers(); n != 1 {
		t.Fatalf("expected bootstrap to stay a no-op, got %d users", n)
	}
}

func TestBootstrapFailsWithoutCredentialsWhenNoUsersExist(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)

	if err := svc.Bootstrap("", ""); err == nil {
		t.Fatal("expected an error when no users exist and no INITIAL_ADMIN_* creds are set")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)
	if _, err := svc.CreateUser("admin", "correct-horse"); err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	if _, _, err := svc.Login("admin", "wrong-password"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRejectsUnknownUsername(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)

	if _, _, err := svc.Login("ghost", "whatever"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginThenVerifyRoundTrip(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)
	if _, err := svc.CreateUser("admin", "correct-horse"); err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	token, expiresAt, err := svc.Login("admin", "correct-horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("expected expiresAt to be in the future")
	}

	// The store must never see the raw token.
	for hash := range fs.sessions {
		if hash == token {
			t.Fatal("raw token must not be stored as the session key")
		}
	}

	userID, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if userID == 0 {
		t.Fatal("expected a non-zero user id")
	}
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)
	if _, err := svc.CreateUser("admin", "correct-horse"); err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fakeNow }

	token, _, err := svc.Login("admin", "correct-horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	svc.now = func() time.Time { return fakeNow.Add(2 * time.Hour) }
	if _, err := svc.Verify(context.Background(), token); err != ErrSessionInvalid {
		t.Fatalf("expected ErrSessionInvalid for an expired session, got %v", err)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)
	if _, err := svc.CreateUser("admin", "correct-horse"); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	token, _, err := svc.Login("admin", "correct-horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := svc.Logout(token); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := svc.Verify(context.Background(), token); err != ErrSessionInvalid {
		t.Fatalf("expected ErrSessionInvalid after logout, got %v", err)
	}
}

func TestVerifyRejectsUnknownToken(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, time.Hour)
	if _, err := svc.Verify(context.Background(), "not-a-real-token"); err != ErrSessionInvalid {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}
