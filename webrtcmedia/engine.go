// Package webrtcmedia adapts pion/webrtc to the calling core's media
// interfaces. The core stays free of pion types; everything pion-specific
// lives here.
package webrtcmedia

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/mdescalzo/relaycall/call"
)

// Media stream identifiers shared with the other clients of the relay.
// Remote peers match on these to associate tracks with the call.
const (
	mediaStreamID = "ARDAMS"
	audioTrackID  = "ARDAMSa0"
	videoTrackID  = "ARDAMSv0"
)

// Engine creates pion-backed local media and peer connections. One Engine
// serves all calls of a process.
type Engine struct {
	api *webrtc.API
}

// NewEngine builds an Engine with the default codec set registered.
func NewEngine() (*Engine, error) {
	var m webrtc.MediaEngine
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&m))
	return &Engine{api: api}, nil
}

// CreateLocalMedia creates the call-wide audio and video sample tracks.
func (e *Engine) CreateLocalMedia(policy call.CallPolicy) (call.LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		audioTrackID, mediaStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		videoTrackID, mediaStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	return newLocalMedia(audio, video, policy), nil
}

// NewPeerConnection creates one pion peer connection with events routed
// through observer.
func (e *Engine) NewPeerConnection(servers []call.IceServer, observer call.PeerConnectionObserver) (call.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: toPionIceServers(servers)}
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := call.IceCandidate{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		observer.OnIceCandidate(out)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnICEConnectionStateChange",
			"state":    state.String(),
		}).Debug("ICE connection state changed")
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			observer.OnIceConnected()
		case webrtc.ICEConnectionStateDisconnected:
			observer.OnIceDisconnected()
		case webrtc.ICEConnectionStateFailed:
			observer.OnIceFailed()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		observer.OnRemoteTrack(track.Kind().String())
	})

	return &peerConnection{pc: pc}, nil
}

func toPionIceServers(servers []call.IceServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		entry := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	return out
}
