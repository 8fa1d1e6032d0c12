package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"message", Validationf("send", "priestId is required"), "VALIDATION: send: priestId is required"},
		{"cause", Transport("push", errors.New("socket closed")), "TRANSPORT: push: socket closed"},
		{"bare kind", &Error{Kind: KindState}, "STATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Transport("push", nil))
	assert.NoError(t, Listen("listen", nil))
}

func TestIsAndKind(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("respond: %w", Transport("update", base))

	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrState))
	assert.True(t, errors.Is(err, base))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestIsKindNested(t *testing.T) {
	inner := Conflictf("updateIf", "status is ACCEPTED")
	outer := Wrap(KindState, "respond", inner)

	assert.True(t, IsKind(outer, KindState))
	assert.True(t, IsKind(outer, KindConflict))
	assert.False(t, IsKind(outer, KindTransport))
}
