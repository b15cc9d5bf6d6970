package webrtcmedia

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/mdescalzo/relaycall/call"
)

// peerConnection wraps one pion connection behind the core's interface.
// The owning session serializes negotiation calls; only teardown and the
// sender list need internal locking.
type peerConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
}

func (p *peerConnection) AttachLocalMedia(media call.LocalMedia) error {
	lm, ok := media.(*localMedia)
	if !ok {
		return fmt.Errorf("unexpected local media type %T", media)
	}

	audioSender, err := p.pc.AddTrack(lm.AudioTrack())
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	videoSender, err := p.pc.AddTrack(lm.VideoTrack())
	if err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}

	p.mu.Lock()
	p.senders = append(p.senders, audioSender, videoSender)
	p.mu.Unlock()
	return nil
}

func (p *peerConnection) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return call.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return call.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (p *peerConnection) SetLocalDescription(ctx context.Context, desc call.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

func (p *peerConnection) SetRemoteDescription(ctx context.Context, desc call.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(toPionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *peerConnection) AddIceCandidate(candidate call.IceCandidate) error {
	mlineIndex := candidate.SDPMLineIndex
	mid := candidate.SDPMid
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: &mlineIndex,
		SDPMid:        &mid,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// DisableRemoteVideo stops the inbound video receivers so rendering ends
// before the connection itself closes.
func (p *peerConnection) DisableRemoteVideo() {
	for _, receiver := range p.pc.GetReceivers() {
		track := receiver.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := receiver.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DisableRemoteVideo",
				"error":    err.Error(),
			}).Debug("Error stopping video receiver")
		}
	}
}

// ClearSenders detaches the shared local tracks from this connection so
// closing it cannot disturb the other sessions still using them.
func (p *peerConnection) ClearSenders() {
	p.mu.Lock()
	senders := p.senders
	p.senders = nil
	p.mu.Unlock()

	for _, sender := range senders {
		if err := p.pc.RemoveTrack(sender); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ClearSenders",
				"error":    err.Error(),
			}).Debug("Error removing track sender")
		}
	}
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func toPionDescription(desc call.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}
