package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("a", "/b/", "", "c"))
	assert.Equal(t, "a/b", Parent("a/b/c"))
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, "c", Base("a/b/c"))

	assert.NoError(t, ValidatePath(""))
	assert.NoError(t, ValidatePath("invitations/p1/i1"))
	assert.Error(t, ValidatePath("a//b"))
	assert.Error(t, ValidatePath("a/ b"))
	assert.Error(t, ValidatePath("a/$b"))

	assert.True(t, related("a/b", "a"))
	assert.True(t, related("a", "a/b/c"))
	assert.False(t, related("a/b", "a/bc"))
	assert.True(t, under("a/b", "a"))
	assert.False(t, under("ab", "a"))
}

func TestInt64(t *testing.T) {
	n, ok := Int64(float64(3))
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	_, ok = Int64(3.5)
	assert.False(t, ok)
	_, ok = Int64("3")
	assert.False(t, ok)
}
