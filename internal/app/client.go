package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/shrive/internal/call"
	"github.com/petervdpas/shrive/internal/chat"
	"github.com/petervdpas/shrive/internal/config"
	"github.com/petervdpas/shrive/internal/identity"
	"github.com/petervdpas/shrive/internal/invite"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/rendezvous"
	"github.com/petervdpas/shrive/internal/signaling"
	"github.com/petervdpas/shrive/internal/util"
)

// client is one signed-in user connected to a hub.
type client struct {
	api     *rendezvous.APIClient
	rt      *realtime.Client
	sess    identity.Session
	repo    *invite.Repository
	signals *signaling.Channel
	calls   *call.Manager
	chat    *chat.Manager

	out  *console
	name string

	mu      sync.Mutex
	session *call.Session
}

// signInFunc picks how a role authenticates against the hub.
type signInFunc func(ctx context.Context, api *rendezvous.APIClient) (identity.Session, error)

func anonymous(ctx context.Context, api *rendezvous.APIClient) (identity.Session, error) {
	return api.SignInAnonymously(ctx)
}

func withPassword(email, password string) signInFunc {
	return func(ctx context.Context, api *rendezvous.APIClient) (identity.Session, error) {
		return api.SignIn(ctx, email, password)
	}
}

// dial checks the hub, signs in and opens the realtime connection.
func dial(ctx context.Context, hubURL string, engine call.Engine, signIn signInFunc, out *console, name string) (*client, error) {
	api := rendezvous.NewAPIClient(hubURL)
	hctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := api.Health(hctx); err != nil {
		return nil, fmt.Errorf("hub %s: %w", api.BaseURL, err)
	}

	sess, err := signIn(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	wsURL, err := api.RealtimeURL()
	if err != nil {
		return nil, err
	}
	rt, err := realtime.Dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	signals := signaling.New(rt)
	c := &client{
		api:     api,
		rt:      rt,
		sess:    sess,
		repo:    invite.NewRepository(rt),
		signals: signals,
		calls:   call.New(signals, engine, sess.UID),
		chat:    chat.New(rt, sess.UID, chat.DefaultBufferSize),
		out:     out,
		name:    name,
	}
	log.Infof("signed in as %s", sess.UID)
	return c, nil
}

func (c *client) close() {
	c.calls.Close()
	_ = c.chat.Close()
	c.signals.Close()
	_ = c.rt.Close()
}

// startCall bootstraps the call of an accepted invitation and follows its
// chat until the session ends.
func (c *client) startCall(ctx context.Context, roomID string, isCaller bool, peerName string) error {
	s, err := c.calls.Start(ctx, roomID, isCaller, peerName)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	role := "answering"
	if s.IsCaller() {
		role = "calling"
	}
	c.out.printf("%s %s in room %s", role, s.PeerName(), s.RoomID())
	s.OnState(func(st call.State) {
		c.out.printf("call with %s: %s", peerName, st)
	})
	if err := c.chat.Join(roomID); err != nil {
		c.out.printf("chat unavailable: %v", err)
	}
	msgs := c.chat.Subscribe()

	go func() {
		defer c.chat.Unsubscribe(msgs)
		for {
			select {
			case <-s.Done():
				c.chat.Leave()
				c.mu.Lock()
				if c.session == s {
					c.session = nil
				}
				c.mu.Unlock()
				if err := s.Err(); err != nil {
					c.out.printf("call ended: %v", err)
				} else {
					c.out.printf("call ended")
				}
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if m.SenderID != c.sess.UID {
					c.out.printf("[%s] %s", m.SenderDisplayName, m.Text)
				}
			}
		}
	}()
	return nil
}

func (c *client) activeCall() (*call.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}

// callCommand handles the commands available during a call. It reports
// whether cmd was one of them.
func (c *client) callCommand(ctx context.Context, cmd command) bool {
	switch cmd.name {
	case "say", "mute", "stats", "hangup":
	default:
		return false
	}
	s, ok := c.activeCall()
	if !ok {
		c.out.printf("no call in progress")
		return true
	}
	switch cmd.name {
	case "say":
		if err := c.chat.Send(ctx, cmd.args, c.name); err != nil {
			c.out.printf("send failed: %v", err)
		}
	case "mute":
		if s.ToggleMute() {
			c.out.printf("microphone muted")
		} else {
			c.out.printf("microphone on")
		}
	case "stats":
		st := s.Stats()
		c.out.printf("state %s, %d packets (%d bytes) received, %d lost, jitter %d",
			s.State(), st.PacketsReceived, st.BytesReceived, st.PacketsLost, st.Jitter)
	case "hangup":
		s.Hangup()
	}
	return true
}

func pionConfig(cfg config.Call) call.PionConfig {
	return call.PionConfig{
		STUNURLs:            cfg.STUNURLs,
		TURNURLs:            cfg.TURNURLs,
		TURNUsername:        cfg.TURNUsername,
		TURNCredential:      cfg.TURNCredential,
		DisconnectedTimeout: seconds(cfg.ICEDisconnectedSeconds),
		FailedTimeout:       seconds(cfg.ICEFailedSeconds),
	}
}
