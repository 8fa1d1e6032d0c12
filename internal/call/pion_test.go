package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/signaling"
)

func TestICEServers(t *testing.T) {
	e := NewPionEngine(PionConfig{})
	servers := e.iceServers()
	require.Len(t, servers, 1)
	assert.Equal(t, DefaultSTUNServers, servers[0].URLs)

	e = NewPionEngine(PionConfig{
		STUNURLs:       []string{},
		TURNURLs:       []string{"turn:turn.example.org:3478?transport=udp", "turns:turn.example.org:5349"},
		TURNUsername:   "u",
		TURNCredential: "secret",
	})
	servers = e.iceServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, "secret", servers[0].Credential)
	assert.Len(t, servers[0].URLs, 2)
}

func TestPionPeerNegotiates(t *testing.T) {
	e := NewPionEngine(PionConfig{STUNURLs: []string{}})
	p, err := e.NewPeer(context.Background(), "room-sdp")
	require.NoError(t, err)
	defer p.Close()

	sdp, err := p.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sdp, "opus")
	assert.Contains(t, sdp, "m=audio")

	require.NoError(t, p.SetMuted(true))
	require.NoError(t, p.SetMuted(false))
	assert.Zero(t, p.Stats().PacketsReceived)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

// Two real pion peers on this host connect through the in-memory store.
func TestPionLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	store := realtime.NewMemStore()
	defer store.Close()
	ctx := context.Background()

	cfg := PionConfig{STUNURLs: []string{}, IncludeLoopback: true}
	caller := New(signaling.New(store), NewPionEngine(cfg), "confessor")
	callee := New(signaling.New(store), NewPionEngine(cfg), "priest")

	cs, err := callee.Start(ctx, "room-loop", false, "confessor")
	require.NoError(t, err)
	defer cs.Hangup()
	ks, err := caller.Start(ctx, "room-loop", true, "priest")
	require.NoError(t, err)
	defer ks.Hangup()

	require.Eventually(t, func() bool {
		return ks.State() == StateConnected && cs.State() == StateConnected
	}, 20*time.Second, 50*time.Millisecond)

	// silence frames flow both ways
	require.Eventually(t, func() bool {
		return ks.Stats().PacketsReceived > 0 && cs.Stats().PacketsReceived > 0
	}, 10*time.Second, 50*time.Millisecond)
}
