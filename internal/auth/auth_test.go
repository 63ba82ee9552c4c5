package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)

	tests := []struct {
		name string
		id   Identity
	}{
		{name: "employee", id: Identity{Username: "amit", Role: RoleEmployee}},
		{name: "manager", id: Identity{Username: "raj", Role: RoleManager}},
		{name: "founder", id: Identity{Username: "founder", Role: RoleFounder}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := v.IssueToken(tt.id)
			require.NoError(t, err)

			got, err := v.VerifyToken(token)
			require.NoError(t, err)
			assert.Equal(t, tt.id, got)
		})
	}
}

func TestVerifyToken_Missing(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)

	_, err := v.VerifyToken("")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestVerifyToken_Invalid(t *testing.T) {
	v := NewVerifier(testSecret, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: mustIssue(t, NewVerifier("another-secret-that-is-long-enough", time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	v := NewVerifier(testSecret, -time.Minute)

	token, err := v.IssueToken(Identity{Username: "amit", Role: RoleEmployee})
	require.NoError(t, err)

	_, err = v.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func mustIssue(t *testing.T, v *Verifier) string {
	t.Helper()
	token, err := v.IssueToken(Identity{Username: "amit", Role: RoleEmployee})
	require.NoError(t, err)
	return token
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleEmployee.Valid())
	assert.True(t, RoleManager.Valid())
	assert.True(t, RoleFounder.Valid())
	assert.False(t, Role("intern").Valid())
	assert.False(t, Role("").Valid())
}

func TestAuthenticate(t *testing.T) {
	store := NewUserStore(DefaultUsers())

	tests := []struct {
		name     string
		username string
		password string
		wantRole Role
		wantErr  bool
	}{
		{name: "employee login", username: "amit", password: "1234", wantRole: RoleEmployee},
		{name: "manager login", username: "raj", password: "admin", wantRole: RoleManager},
		{name: "founder login", username: "founder", password: "founder123", wantRole: RoleFounder},
		{name: "wrong password", username: "amit", password: "wrong", wantErr: true},
		{name: "unknown user", username: "ghost", password: "1234", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := store.Authenticate(tt.username, tt.password)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadLogin)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, user.Role)
			assert.Equal(t, tt.username, user.Identity().Username)
		})
	}
}
