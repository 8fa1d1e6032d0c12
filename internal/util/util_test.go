package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "data"), ResolvePath("base", "data"))
	assert.Equal(t, "/abs/data", ResolvePath("base", "/abs//data"))
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  priest-1 ", "priest-1", false},
		{"", "", true},
		{"..", "", true},
		{"a/b", "", true},
		{"a#b", "", true},
		{"tab\there", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestRingBufferOverwrite(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
}

func TestRingBufferReplaceAndUpdate(t *testing.T) {
	r := NewRingBuffer[int](2)
	r.Replace([]int{1, 2, 3})
	assert.Equal(t, []int{2, 3}, r.Snapshot())

	r.Update(func(in []int) []int { return append(in[:0], in[1]) })
	assert.Equal(t, []int{3}, r.Snapshot())

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "", NormalizeURL("  "))
	assert.Equal(t, "http://hub:8787", NormalizeURL(" hub:8787/ "))
	assert.Equal(t, "https://hub.example.org", NormalizeURL("https://hub.example.org//"))
}

func TestWebSocketURL(t *testing.T) {
	u, err := WebSocketURL("http://127.0.0.1:8787/", "/realtime")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8787/realtime", u)

	u, err = WebSocketURL("https://hub.example.org/base", "/realtime")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.org/base/realtime", u)
}
