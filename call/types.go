// Package call implements the conference-call signaling core for relaycall.
//
// The package coordinates multi-party calls in which every remote
// participant is represented by an independently negotiated peer session.
// Signaling (join, offer, accept-offer, ICE candidates, leave) rides the
// application's message relay rather than a dedicated signaling server, so
// every inbound event is validated against the live call state and dropped
// when stale.
//
// The design follows the conventions of the surrounding codebase:
// - Interface-based collaborators for testability
// - Thread-safe state with explicit mutex usage
// - Constructor injection instead of shared singletons
package call

import "time"

// ConnectTimeout is how long a peer session waits for ICE connectivity
// after its offer or accept-offer has been transmitted.
const ConnectTimeout = 60 * time.Second

// CallDirection distinguishes locally started calls from inbound ones.
type CallDirection int

const (
	// DirectionOutgoing indicates the local user started the call.
	DirectionOutgoing CallDirection = iota
	// DirectionIncoming indicates the call was announced by a remote user.
	DirectionIncoming
)

func (d CallDirection) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// CallState represents the lifecycle state of a Call.
type CallState int

const (
	// CallStateUndefined is the initial state before ringing or joining.
	CallStateUndefined CallState = iota
	// CallStateRinging indicates an inbound call not yet joined locally.
	CallStateRinging
	// CallStateVibrating indicates another of the local user's devices
	// already accepted the call while this one was ringing.
	CallStateVibrating
	// CallStateRejected indicates the local user declined the call. Terminal;
	// immediately followed by the leave sequence.
	CallStateRejected
	// CallStateJoined indicates the local join announcement was delivered.
	CallStateJoined
	// CallStateLeaving indicates the leave sequence is in flight.
	CallStateLeaving
	// CallStateLeft is terminal; the call is eligible for cleanup.
	CallStateLeft
)

// String returns the lower-case state name used in logs and FSM wiring.
func (s CallState) String() string {
	switch s {
	case CallStateUndefined:
		return "undefined"
	case CallStateRinging:
		return "ringing"
	case CallStateVibrating:
		return "vibrating"
	case CallStateRejected:
		return "rejected"
	case CallStateJoined:
		return "joined"
	case CallStateLeaving:
		return "leaving"
	case CallStateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// PeerState represents the lifecycle state of a PeerSession.
//
// Sessions advance monotonically along either the answerer path
// (awaitingLocalJoin -> sendingAcceptOffer -> sentAcceptOffer -> connected)
// or the offerer path (sendingOffer -> readyToReceiveAcceptOffer ->
// receivedAcceptOffer -> connected). The terminal states are reachable
// from any non-terminal state.
type PeerState int

const (
	// PeerStateUndefined is the initial state of a freshly created session.
	PeerStateUndefined PeerState = iota

	// Answerer path.

	// PeerStateAwaitingLocalJoin waits for local media capture readiness.
	PeerStateAwaitingLocalJoin
	// PeerStateSendingAcceptOffer is negotiating and transmitting the answer.
	PeerStateSendingAcceptOffer
	// PeerStateSentAcceptOffer indicates the answer was delivered.
	PeerStateSentAcceptOffer

	// Offerer path.

	// PeerStateSendingOffer is negotiating and transmitting the offer.
	PeerStateSendingOffer
	// PeerStateReadyToReceiveAcceptOffer indicates the offer was delivered.
	PeerStateReadyToReceiveAcceptOffer
	// PeerStateReceivedAcceptOffer indicates the remote answer was applied.
	PeerStateReceivedAcceptOffer

	// PeerStateConnected indicates ICE connectivity was established.
	PeerStateConnected

	// Terminal states.

	// PeerStatePeerLeft indicates the remote endpoint sent a leave.
	PeerStatePeerLeft
	// PeerStateLeftPeer indicates the local side left the call.
	PeerStateLeftPeer
	// PeerStateDiscarded indicates the session was superseded by a newer
	// session for the same remote endpoint.
	PeerStateDiscarded
	// PeerStateDisconnected indicates a transport-level ICE disconnect.
	PeerStateDisconnected
	// PeerStateFailed indicates a negotiation error or connect timeout.
	PeerStateFailed
)

// String returns the state name used in logs and the event ledger.
func (s PeerState) String() string {
	switch s {
	case PeerStateUndefined:
		return "undefined"
	case PeerStateAwaitingLocalJoin:
		return "awaitingLocalJoin"
	case PeerStateSendingAcceptOffer:
		return "sendingAcceptOffer"
	case PeerStateSentAcceptOffer:
		return "sentAcceptOffer"
	case PeerStateSendingOffer:
		return "sendingOffer"
	case PeerStateReadyToReceiveAcceptOffer:
		return "readyToReceiveAcceptOffer"
	case PeerStateReceivedAcceptOffer:
		return "receivedAcceptOffer"
	case PeerStateConnected:
		return "connected"
	case PeerStatePeerLeft:
		return "peerLeft"
	case PeerStateLeftPeer:
		return "leftPeer"
	case PeerStateDiscarded:
		return "discarded"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session's lifecycle.
// A terminal session no longer negotiates and is removed from its call.
func (s PeerState) Terminal() bool {
	switch s {
	case PeerStatePeerLeft, PeerStateLeftPeer, PeerStateDiscarded,
		PeerStateDisconnected, PeerStateFailed:
		return true
	}
	return false
}

// CallPolicy captures the immutable media policy a call is created with.
// It governs which mute toggles the UI may offer; see Call.SetAudioMuted
// for how the call itself enforces the toggle permissions.
type CallPolicy struct {
	StartAudioMuted      bool
	AllowAudioMuteToggle bool
	StartVideoMuted      bool
	AllowVideoMuteToggle bool
}

// DefaultCallPolicy permits both toggles and starts with audio open and
// video off, matching the product default for group calls.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		StartAudioMuted:      false,
		AllowAudioMuteToggle: true,
		StartVideoMuted:      true,
		AllowVideoMuteToggle: true,
	}
}
