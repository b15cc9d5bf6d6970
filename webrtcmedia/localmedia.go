package webrtcmedia

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/mdescalzo/relaycall/call"
)

// localMedia is the shared capture state of one call. The tracks are
// attached to every peer connection of the call; the enabled flags gate
// the capture pipeline, which consults them before writing samples.
type localMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func newLocalMedia(audio, video *webrtc.TrackLocalStaticSample, policy call.CallPolicy) *localMedia {
	return &localMedia{
		audio:        audio,
		video:        video,
		audioEnabled: !policy.StartAudioMuted,
		videoEnabled: !policy.StartVideoMuted,
	}
}

func (m *localMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
}

func (m *localMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *localMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
}

func (m *localMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// AudioTrack exposes the audio sample sink for the capture pipeline.
func (m *localMedia) AudioTrack() *webrtc.TrackLocalStaticSample { return m.audio }

// VideoTrack exposes the video sample sink for the capture pipeline.
func (m *localMedia) VideoTrack() *webrtc.TrackLocalStaticSample { return m.video }

func (m *localMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.audioEnabled = false
	m.videoEnabled = false
	return nil
}
