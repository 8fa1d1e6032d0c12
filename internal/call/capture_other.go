//go:build !(linux && capture)

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var errNoCapture = errors.New("built without microphone capture")

func captureAudio(string, *webrtc.MediaEngine) (*localAudio, error) {
	return nil, errNoCapture
}
