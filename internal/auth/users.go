package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadLogin is returned for unknown users and wrong passwords alike so the
// login surface leaks nothing about which half failed.
var ErrBadLogin = errors.New("incorrect username or password")

// User is a static user-store entry. Passwords are stored as bcrypt hashes.
type User struct {
	Username     string
	PasswordHash string
	Role         Role
	FullName     string
	Email        string
}

// Identity returns the identity asserted by this user record.
func (u User) Identity() Identity {
	return Identity{Username: u.Username, Role: u.Role}
}

// UserStore is an immutable in-memory user table. A real deployment would
// back this with a directory service; the core only consumes the verified
// identity it produces.
type UserStore struct {
	users map[string]User
}

// NewUserStore builds a store from the given users.
func NewUserStore(users []User) *UserStore {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &UserStore{users: m}
}

// DefaultUsers returns the built-in demo accounts.
func DefaultUsers() []User {
	return []User{
		{
			Username:     "amit",
			PasswordHash: mustHash("1234"),
			Role:         RoleEmployee,
			FullName:     "Amit Kumar",
			Email:        "amit@company.com",
		},
		{
			Username:     "raj",
			PasswordHash: mustHash("admin"),
			Role:         RoleManager,
			FullName:     "Raj Sharma",
			Email:        "raj@company.com",
		},
		{
			Username:     "founder",
			PasswordHash: mustHash("founder123"),
			Role:         RoleFounder,
			FullName:     "Company Founder",
			Email:        "founder@company.com",
		},
	}
}

// Authenticate checks the credentials and returns the matching user.
func (s *UserStore) Authenticate(username, password string) (User, error) {
	u, ok := s.users[username]
	if !ok {
		// Burn a comparison anyway to keep timing uniform across the two
		// failure modes.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return User{}, ErrBadLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrBadLogin
	}
	return u, nil
}

// Get returns the user record for a verified identity, e.g. for /me.
func (s *UserStore) Get(username string) (User, bool) {
	u, ok := s.users[username]
	return u, ok
}

var dummyHash = mustHash("not-a-real-password")

func mustHash(password string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt: " + err.Error())
	}
	return string(h)
}
