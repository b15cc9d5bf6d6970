package call

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control-message signaling for conference calls.
//
// Call signaling rides the application's message relay as JSON control
// payloads addressed to thread participants. Delivery is at-least-once
// with no cross-sender ordering guarantee, so every handler tolerates
// duplicates and stale events.

// SignalingVersion is carried on join messages so older clients can
// reject calls they cannot negotiate.
const SignalingVersion = 2

// Control message type identifiers, matching the relay's control keys.
const (
	ControlCallJoin            = "callJoin"
	ControlCallOffer           = "callOffer"
	ControlCallAcceptOffer     = "callAcceptOffer"
	ControlCallSelfAcceptOffer = "callSelfAcceptOffer"
	ControlCallICECandidates   = "callICECandidates"
	ControlCallLeave           = "callLeave"
)

// SessionDescription is an SDP payload of type "offer" or "answer".
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate is one ICE candidate in transit.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// IceServer is one STUN or TURN server entry. Username and Credential are
// empty for STUN.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ControlMessage is the normalized payload of one signaling event.
//
// Field presence depends on Control:
//
//	callJoin:            version, callId, originator, members
//	callOffer:           callId, peerId, originator, members, offer
//	callAcceptOffer:     callId, peerId, originator, members, answer
//	callSelfAcceptOffer: callId, deviceId
//	callICECandidates:   callId, peerId, originator, icecandidates
//	callLeave:           callId, originator, members
type ControlMessage struct {
	Control       string              `json:"control"`
	Version       int                 `json:"version,omitempty"`
	CallID        string              `json:"callId"`
	PeerID        string              `json:"peerId,omitempty"`
	Originator    string              `json:"originator,omitempty"`
	Members       []string            `json:"members,omitempty"`
	DeviceID      uint32              `json:"deviceId,omitempty"`
	Offer         *SessionDescription `json:"offer,omitempty"`
	Answer        *SessionDescription `json:"answer,omitempty"`
	IceCandidates []IceCandidate      `json:"icecandidates,omitempty"`
}

// NewJoinMessage builds the call-announcement payload sent to all thread
// participants.
func NewJoinMessage(callID, originator string, members []string) *ControlMessage {
	return &ControlMessage{
		Control:    ControlCallJoin,
		Version:    SignalingVersion,
		CallID:     callID,
		Originator: originator,
		Members:    members,
	}
}

// NewOfferMessage builds the offer payload addressed to a single user.
func NewOfferMessage(callID, peerID, originator string, members []string, offer SessionDescription) *ControlMessage {
	return &ControlMessage{
		Control:    ControlCallOffer,
		CallID:     callID,
		PeerID:     peerID,
		Originator: originator,
		Members:    members,
		Offer:      &offer,
	}
}

// NewAcceptOfferMessage builds the answer payload addressed to a single user.
func NewAcceptOfferMessage(callID, peerID, originator string, members []string, answer SessionDescription) *ControlMessage {
	return &ControlMessage{
		Control:    ControlCallAcceptOffer,
		CallID:     callID,
		PeerID:     peerID,
		Originator: originator,
		Members:    members,
		Answer:     &answer,
	}
}

// NewIceCandidatesMessage builds a batched candidate payload addressed to
// a single user.
func NewIceCandidatesMessage(callID, peerID, originator string, candidates []IceCandidate) *ControlMessage {
	return &ControlMessage{
		Control:       ControlCallICECandidates,
		CallID:        callID,
		PeerID:        peerID,
		Originator:    originator,
		IceCandidates: candidates,
	}
}

// NewLeaveMessage builds the leave payload sent to all thread participants.
func NewLeaveMessage(callID, originator string, members []string) *ControlMessage {
	return &ControlMessage{
		Control:    ControlCallLeave,
		CallID:     callID,
		Originator: originator,
		Members:    members,
	}
}

// Validate checks the fields required for the message's control type.
func (m *ControlMessage) Validate() error {
	if m == nil {
		return errors.New("control message is nil")
	}
	if m.CallID == "" {
		return errors.New("control message missing callId")
	}
	switch m.Control {
	case ControlCallJoin, ControlCallLeave:
		if m.Originator == "" {
			return fmt.Errorf("%s missing originator", m.Control)
		}
	case ControlCallOffer:
		if m.PeerID == "" || m.Offer == nil || m.Offer.SDP == "" {
			return errors.New("callOffer missing peerId or offer")
		}
	case ControlCallAcceptOffer:
		if m.PeerID == "" || m.Answer == nil || m.Answer.SDP == "" {
			return errors.New("callAcceptOffer missing peerId or answer")
		}
	case ControlCallSelfAcceptOffer:
		// deviceId zero is a legal device ordinal; nothing further to check.
	case ControlCallICECandidates:
		if m.PeerID == "" || len(m.IceCandidates) == 0 {
			return errors.New("callICECandidates missing peerId or candidates")
		}
	default:
		return fmt.Errorf("unknown control type %q", m.Control)
	}
	return nil
}

// MarshalControlMessage serializes a control message for the relay.
func MarshalControlMessage(m *ControlMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	return json.Marshal(m)
}

// UnmarshalControlMessage parses and validates an inbound payload.
func UnmarshalControlMessage(data []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
