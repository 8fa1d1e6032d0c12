//go:build linux && capture

package call

import (
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// captureAudio opens the default microphone through mediadevices and
// registers its Opus encoder with me.
func captureAudio(roomID string, me *webrtc.MediaEngine) (*localAudio, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))
	selector.Populate(me)

	var mics int
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			mics++
			log.Debugf("room %s: microphone %q", roomID, d.Label)
		}
	}
	if mics == 0 {
		return nil, errors.New("no audio input devices")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("microphone returned no track")
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Warnf("room %s: microphone ended: %v", roomID, err)
		}
	})
	log.Infof("room %s: capturing microphone", roomID)
	return &localAudio{track: track, stop: func() { _ = track.Close() }}, nil
}
