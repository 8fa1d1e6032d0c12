package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, WithCost(bcrypt.MinCost)), db
}

func TestRegisterAndSignIn(t *testing.T) {
	s, db := newService(t)
	ctx := context.Background()

	reg, err := s.Register(ctx, " Anna@Example.org ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "anna@example.org", reg.Email)
	assert.NotEmpty(t, reg.UID)
	assert.False(t, reg.Anonymous)

	raw, ok, err := db.GetDoc(ctx, Collection, "anna@example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "secret1", raw["passwordHash"])

	got, err := s.SignIn(ctx, "anna@example.org", "secret1")
	require.NoError(t, err)
	assert.Equal(t, reg.UID, got.UID)

	_, err = s.SignIn(ctx, "anna@example.org", "wrong-password")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = s.SignIn(ctx, "nobody@example.org", "secret1")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestRegisterTwice(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "a@example.org", "secret1")
	require.NoError(t, err)

	_, err = s.Register(ctx, "A@example.org", "another1")
	assert.True(t, errors.Is(err, ErrEmailTaken))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	for _, tc := range []struct{ email, password string }{
		{"", "secret1"},
		{"not-an-email", "secret1"},
		{"Anna <anna@example.org>", "secret1"},
		{"a@example.org", "short"},
	} {
		_, err := s.Register(ctx, tc.email, tc.password)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "%q/%q: %v", tc.email, tc.password, err)
	}
}

func TestSignInAnonymously(t *testing.T) {
	s, _ := newService(t)
	a, err := s.SignInAnonymously(context.Background())
	require.NoError(t, err)
	b, err := s.SignInAnonymously(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Anonymous)
	assert.NotEqual(t, a.UID, b.UID)
}

var _ Provider = (*Service)(nil)
