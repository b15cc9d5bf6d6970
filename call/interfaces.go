package call

import "context"

// MessageSender delivers one control message over the application's
// message relay. The relay owns retries and serialization; the core calls
// Send exactly once per logical event and treats a returned error as a
// negotiation failure.
//
// recipientIDs narrows delivery to specific users; empty means all
// participants of the thread.
type MessageSender interface {
	Send(ctx context.Context, threadID string, msg *ControlMessage, recipientIDs []string) error
}

// IceServerProvider resolves the ICE (STUN/TURN) server configuration.
// Implementations fetch credentials from the account service; callers are
// expected to fall back to a public STUN server when the fetch fails.
type IceServerProvider interface {
	GetIceServers(ctx context.Context) ([]IceServer, error)
}

// ThreadLookup resolves a thread to its member user ids. Persistence is
// owned by the data-model layer; the core only reads membership.
type ThreadLookup interface {
	ParticipantIDs(threadID string) ([]string, error)
}

// MediaEngine is the capability boundary to the underlying media stack.
// The core orchestrates it and never reaches past these interfaces.
type MediaEngine interface {
	// CreateLocalMedia creates the call-wide capture tracks. The returned
	// handle is shared by every peer session of one call; only the call
	// may close it.
	CreateLocalMedia(policy CallPolicy) (LocalMedia, error)

	// NewPeerConnection creates one media peer connection configured with
	// the given ICE servers. Events are reported through observer; the
	// observer must tolerate late events after Close.
	NewPeerConnection(servers []IceServer, observer PeerConnectionObserver) (PeerConnection, error)
}

// LocalMedia is the shared local capture state of one call.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	AudioEnabled() bool
	SetVideoEnabled(enabled bool)
	VideoEnabled() bool
	Close() error
}

// PeerConnection is one underlying media peer connection. All negotiation
// calls are asynchronous with respect to the media stack; the owning
// session serializes them, so implementations never see two concurrent
// negotiation-mutating calls.
type PeerConnection interface {
	AttachLocalMedia(media LocalMedia) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddIceCandidate(candidate IceCandidate) error
	// DisableRemoteVideo is the first step of the mandated teardown order.
	DisableRemoteVideo()
	// ClearSenders detaches local track senders before the connection closes.
	ClearSenders()
	Close() error
}

// PeerConnectionObserver receives asynchronous peer-connection events.
// Callbacks may arrive on media-stack goroutines; receivers route them to
// the owning session by peer id and drop them when the session is gone.
type PeerConnectionObserver interface {
	OnIceCandidate(candidate IceCandidate)
	OnIceConnected()
	OnIceDisconnected()
	OnIceFailed()
	OnRemoteTrack(kind string)
}

// CallObserver receives call-level notifications. All notifications are
// delivered on the coordination path that mutated the state.
type CallObserver interface {
	CallStateDidChange(c *Call, oldState, newState CallState)
	PeerStateDidChange(c *Call, peerID, userID string, oldState, newState PeerState)
	RemoteTrackAvailable(c *Call, peerID, userID, kind string)
	LocalMediaChanged(c *Call)
}

// CoordinatorObserver is notified when a call comes into existence, so
// UI and telephony adapters can decide between a ringing screen and the
// in-call UI.
type CoordinatorObserver interface {
	CallDidCreate(c *Call, direction CallDirection)
}

// ObserverToken identifies one subscription in an observer registry.
// Holders must Unsubscribe explicitly on teardown.
type ObserverToken uint64
