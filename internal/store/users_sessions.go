package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is the store's row shape for an admin account. internal/auth
// owns password hashing and never sees the raw password here.
type User struct {
	ID           uint64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Session is a server-side session row keyed by the SHA-256 hash of
// the bearer session token, mirroring session.Manager's design of
// never storing the raw token at rest.
type Session struct {
	TokenHash string
	UserID    uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertUser creates an admin account and returns it with its ID.
func (s *Store) InsertUser(u *User) (*User, error) {
	res, err := s.db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert user: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: user id: %v", ErrUnavailable, err)
	}
	out := *u
	out.ID = uint64(id)
	return &out, nil
}

// GetUserByUsername fetches an account by username, or ErrNotFound.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get user: %v", ErrUnavailable, err)
	}
	return &u, nil
}

// CountUsers reports how many admin accounts exist, used at startup to
// decide whether to bootstrap one from INITIAL_ADMIN_* env vars.
func (s *Store) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count users: %v", ErrUnavailable, err)
	}
	return n, nil
}

// InsertSession records a new server-side session row.
func (s *Store) InsertSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.TokenHash, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrUnavailable, err)
	}
	return nil
}

// GetSession fetches a session row by its token hash, or ErrNotFound.
func (s *Store) GetSession(tokenHash string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`SELECT token_hash, user_id, created_at, expires_at FROM sessions WHERE token_hash = ?`, tokenHash).
		Scan(&sess.TokenHash, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrUnavailable, err)
	}
	return &sess, nil
}

// DeleteSession removes a session row, used on logout.
func (s *Store) DeleteSession(tokenHash string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeExpiredSessions removes every session whose expiry has passed.
// Its only caller is auth.Service.PurgeExpired, which nothing in this
// module runs on a timer.
func (s *Store) PurgeExpiredSessions(now time.Time) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return fmt.Errorf("%w: purge expired sessions: %v", ErrUnavailable, err)
	}
	return nil
}
