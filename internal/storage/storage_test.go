package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 1, Depth("invitations"))
	assert.Equal(t, 3, Depth("invitations/p1/i1"))
}

func TestPutTreeDropsDescendants(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	require.NoError(t, db.PutTree(ctx, []TreeRow{
		{Path: "invitations/p1/i1", Value: []byte(`{"status":"PENDING"}`)},
		{Path: "invitations/p1/i1/status", Value: []byte(`"ACCEPTED"`)},
		{Path: "invitations/p1_x/i2", Value: []byte(`{"status":"PENDING"}`)},
	}))
	require.NoError(t, db.PutTree(ctx, []TreeRow{
		{Path: "invitations/p1", Value: []byte(`{}`)},
	}))

	rows, err := db.LoadTree(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "invitations/p1", rows[0].Path)
	// a sibling sharing the prefix survives
	assert.Equal(t, "invitations/p1_x/i2", rows[1].Path)
}

func TestPutTreeTombstone(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	require.NoError(t, db.PutTree(ctx, []TreeRow{
		{Path: "rooms/r1", Value: []byte(`{"a":1}`)},
		{Path: "rooms/r1/a", Value: nil},
	}))
	rows, err := db.LoadTree(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[1].Value)
}

func TestDocsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	_, ok, err := db.GetDoc(ctx, "users", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetDoc(ctx, "users", "u1", map[string]any{"name": "Anna", "isPriestVerified": true}))
	require.NoError(t, db.MergeDoc(ctx, "users", "u1", map[string]any{"isAvailableForConfession": true}))
	require.NoError(t, db.MergeDoc(ctx, "users", "u2", map[string]any{"name": "Ben"}))

	got, ok, err := db.GetDoc(ctx, "users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Anna", got["name"])
	assert.Equal(t, true, got["isAvailableForConfession"])

	docs, err := db.ListDocs(ctx, "users")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0].ID)
	assert.Equal(t, "u2", docs[1].ID)

	require.NoError(t, db.DeleteDoc(ctx, "users", "u2"))
	docs, err = db.ListDocs(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestInvalidCollection(t *testing.T) {
	db := openTest(t)
	_, _, err := db.GetDoc(context.Background(), "users; DROP", "x")
	assert.Error(t, err)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	require.NoError(t, db.SetMeta(ctx, "clock", "42"))
	v, ok, err := db.GetMeta(ctx, "clock")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestInMemory(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ":memory:", db.Path())
	require.NoError(t, db.SetDoc(context.Background(), "accounts", "a", map[string]any{"x": 1}))
}
