package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// localAudio is the outgoing audio of a peer.
type localAudio struct {
	track webrtc.TrackLocal
	once  sync.Once
	stop  func()
}

func (a *localAudio) close() {
	a.once.Do(func() {
		if a.stop != nil {
			a.stop()
		}
	})
}

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// silentAudio is an Opus track that carries silence, so the session
// negotiates and connects on hosts without a microphone.
func silentAudio(roomID string) (*localAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "shrive-"+roomID,
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// fails harmlessly until the track is bound
				_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
			}
		}
	}()
	return &localAudio{track: track, stop: func() { close(done) }}, nil
}
