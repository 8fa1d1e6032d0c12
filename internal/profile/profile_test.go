package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func seed(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []*Profile{
		{UID: "p-anna", Name: "Anna", Languages: []string{"English", "Latin"}, IsPriestVerified: true, IsAvailableForConfession: true},
		{UID: "p-bruno", Name: "Bruno", Languages: []string{"Spanish"}, IsPriestVerified: true},
		{UID: "p-carl", Name: "Carl", Languages: []string{"English"}, IsPriestVerified: true, IsAvailableForConfession: true},
		{UID: "u-dora", Name: "Dora", Languages: []string{"English"}, IsAvailableForConfession: true},
	} {
		require.NoError(t, s.Save(ctx, p))
	}
}

func uids(ps []Priest) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.UID
	}
	return out
}

func TestSaveAndGet(t *testing.T) {
	s, db := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &Profile{UID: "u1", Name: " Eve ", Email: "eve@example.org"}))

	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Eve", p.Name)
	assert.Equal(t, "eve@example.org", p.Email)
	assert.Equal(t, []string{}, p.Languages)
	assert.False(t, p.IsPriestVerified)

	raw, ok, err := db.GetDoc(ctx, Collection, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "uid")
	assert.Equal(t, false, raw["isAvailableForConfession"])

	_, err = s.Get(ctx, "nobody")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = s.Get(ctx, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDirectoryQueries(t *testing.T) {
	s, _ := newService(t)
	seed(t, s)
	ctx := context.Background()

	all, err := s.VerifiedPriests(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-anna", "p-bruno", "p-carl"}, uids(all))

	anyLang, err := s.VerifiedPriests(ctx, AnyLanguage)
	require.NoError(t, err)
	assert.Len(t, anyLang, 3)

	spanish, err := s.VerifiedPriests(ctx, "spanish")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-bruno"}, uids(spanish))

	avail, err := s.AvailablePriests(ctx, "English")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-anna", "p-carl"}, uids(avail))

	none, err := s.AvailablePriests(ctx, "German")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestAvailability(t *testing.T) {
	s, _ := newService(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetAvailability(ctx, "p-bruno", true))
	on, err := s.Availability(ctx, "p-bruno")
	require.NoError(t, err)
	assert.True(t, on)

	avail, err := s.AvailablePriests(ctx, "Spanish")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-bruno"}, uids(avail))

	// other fields survive the merge
	p, err := s.Get(ctx, "p-bruno")
	require.NoError(t, err)
	assert.Equal(t, "Bruno", p.Name)
	assert.Equal(t, []string{"Spanish"}, p.Languages)

	err = s.SetAvailability(ctx, "u-dora", true)
	assert.True(t, apperr.IsKind(err, apperr.KindState))
	err = s.SetAvailability(ctx, "ghost", true)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestIsVerifiedPriest(t *testing.T) {
	s, _ := newService(t)
	seed(t, s)
	ctx := context.Background()

	ok, err := s.IsVerifiedPriest(ctx, "p-anna")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsVerifiedPriest(ctx, "u-dora")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.IsVerifiedPriest(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Priest Anna (Languages: English, Latin)",
		Priest{UID: "p1", Name: "Anna", Languages: []string{"English", "Latin"}}.Label())
	assert.Equal(t, "Priest 5678 (Languages: )", Priest{UID: "u12345678"}.Label())
	assert.Equal(t, "Priest N/A (Languages: Latin)", Priest{Languages: []string{"Latin"}}.Label())
}

func TestSetVerified(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seed(t, s)

	require.NoError(t, s.SetVerified(ctx, "u-dora", true))
	ok, err := s.IsVerifiedPriest(ctx, "u-dora")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SetVerified(ctx, "p-anna", false))
	p, err := s.Get(ctx, "p-anna")
	require.NoError(t, err)
	assert.False(t, p.IsPriestVerified)
	assert.False(t, p.IsAvailableForConfession)

	err = s.SetVerified(ctx, "nobody", true)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
