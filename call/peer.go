package call

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerSession is the negotiation unit for one remote (user, device)
// endpoint within a call. It owns one media peer connection, runs the
// offer/answer exchange as a single goroutine executing the steps in
// sequence, and batches locally generated ICE candidates behind the
// ready-to-send gate.
//
// A session's state advances monotonically; once terminal it never
// revives, and all late asynchronous callbacks become no-ops.
type PeerSession struct {
	peerID   string
	userID   string
	deviceID uint32
	callID   string

	owner *Call
	clock TimeProvider

	mu            sync.Mutex
	state         PeerState
	pc            PeerConnection
	pendingRemote []IceCandidate

	buf *candidateBuffer

	connectedOnce sync.Once
	connectedCh   chan struct{}

	answerOnce sync.Once
	answerCh   chan SessionDescription

	ctx       context.Context
	cancel    context.CancelFunc
	terminate sync.Once
}

func newPeerSession(owner *Call, peerID, userID string, deviceID uint32) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PeerSession{
		peerID:      peerID,
		userID:      userID,
		deviceID:    deviceID,
		callID:      owner.CallID,
		owner:       owner,
		clock:       owner.clock,
		state:       PeerStateUndefined,
		connectedCh: make(chan struct{}),
		answerCh:    make(chan SessionDescription, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.buf = newCandidateBuffer(s.clock, s.sendLocalCandidates)
	owner.events.Add(PeerInitEvent{CallID: s.callID, PeerID: peerID, UserID: userID})
	return s
}

// PeerID returns the session's unique negotiation id.
func (s *PeerSession) PeerID() string { return s.peerID }

// UserID returns the remote user this session negotiates with.
func (s *PeerSession) UserID() string { return s.userID }

// DeviceID returns the remote device ordinal.
func (s *PeerSession) DeviceID() uint32 { return s.deviceID }

// State returns the current session state.
func (s *PeerSession) State() PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState advances the state machine. Transitions out of a terminal
// state are ignored, which makes late timer and callback firings safe.
func (s *PeerSession) setState(newState PeerState) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == newState {
		s.mu.Unlock()
		return
	}
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	s.owner.events.Add(PeerStateChangeEvent{
		CallID:   s.callID,
		PeerID:   s.peerID,
		UserID:   s.userID,
		OldState: oldState,
		NewState: newState,
	})
	s.owner.peerStateDidChange(s, oldState, newState)
}

// startAnswer drives the answerer path for an inbound offer.
func (s *PeerSession) startAnswer(offer SessionDescription) {
	go s.runAnswer(offer)
}

// startOffer drives the offerer path. The actual offer send is gated on
// the owning call reaching joined.
func (s *PeerSession) startOffer() {
	go s.runOffer()
}

func (s *PeerSession) runAnswer(offer SessionDescription) {
	s.setState(PeerStateAwaitingLocalJoin)
	if !s.await(s.owner.localMediaReady()) {
		return
	}

	s.setState(PeerStateSendingAcceptOffer)
	answer, err := s.negotiateAnswer(offer)
	if err != nil {
		s.fail(WrapError(err, "answer negotiation failed"))
		return
	}

	if err := s.owner.sendAcceptOffer(s.ctx, s, answer); err != nil {
		s.fail(WrapError(err, "failed to send accept-offer"))
		return
	}
	s.setState(PeerStateSentAcceptOffer)

	// Candidates generated so far were queued to keep the accept-offer
	// ahead of them in the relay; release them now.
	s.buf.openGate()

	s.awaitConnected(s.clock.After(ConnectTimeout))
}

func (s *PeerSession) runOffer() {
	// Offers must not leak before the local join announcement.
	if !s.await(s.owner.offersReleased()) {
		return
	}
	if !s.await(s.owner.localMediaReady()) {
		return
	}

	s.setState(PeerStateSendingOffer)
	offer, err := s.negotiateOffer()
	if err != nil {
		s.fail(WrapError(err, "offer negotiation failed"))
		return
	}

	if err := s.owner.sendOffer(s.ctx, s, offer); err != nil {
		s.fail(WrapError(err, "failed to send offer"))
		return
	}
	s.setState(PeerStateReadyToReceiveAcceptOffer)
	s.buf.openGate()

	timeout := s.clock.After(ConnectTimeout)
	select {
	case answer := <-s.answerCh:
		s.setState(PeerStateReceivedAcceptOffer)
		if err := s.applyRemoteDescription(answer); err != nil {
			s.fail(WrapError(err, "failed to apply accept-offer"))
			return
		}
		s.awaitConnected(timeout)
	case <-timeout:
		s.fail(NewTimeoutError("timed out waiting for accept-offer"))
	case <-s.ctx.Done():
	}
}

// awaitConnected races the connect signal against the session timeout.
// Both arms resolve at most once; a late timer firing after the connect
// signal is a no-op because terminal and connected states are sticky.
func (s *PeerSession) awaitConnected(timeout <-chan time.Time) {
	select {
	case <-s.connectedCh:
		s.setState(PeerStateConnected)
	case <-timeout:
		s.fail(NewTimeoutError("timed out waiting for peer connect"))
	case <-s.ctx.Done():
	}
}

// await blocks until ch closes or the session is invalidated.
func (s *PeerSession) await(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *PeerSession) negotiateAnswer(offer SessionDescription) (SessionDescription, error) {
	if err := ValidateSessionDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	pc, err := s.createPeerConnection()
	if err != nil {
		return SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(s.ctx, offer); err != nil {
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(s.ctx)
	if err != nil {
		return SessionDescription{}, err
	}
	hardened := HardenSessionDescription(answer)
	if err := pc.SetLocalDescription(s.ctx, hardened); err != nil {
		return SessionDescription{}, err
	}
	return hardened, nil
}

func (s *PeerSession) negotiateOffer() (SessionDescription, error) {
	pc, err := s.createPeerConnection()
	if err != nil {
		return SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(s.ctx)
	if err != nil {
		return SessionDescription{}, err
	}
	hardened := HardenSessionDescription(offer)
	if err := pc.SetLocalDescription(s.ctx, hardened); err != nil {
		return SessionDescription{}, err
	}
	return hardened, nil
}

// createPeerConnection builds the underlying connection, attaches the
// call's shared local media, and drains any remote candidates that
// arrived before the connection existed.
func (s *PeerSession) createPeerConnection() (PeerConnection, error) {
	servers, err := s.owner.iceServers(s.ctx)
	if err != nil {
		return nil, err
	}

	pc, err := s.owner.media.NewPeerConnection(servers, peerConnectionEvents{owner: s.owner, peerID: s.peerID})
	if err != nil {
		return nil, err
	}
	if err := pc.AttachLocalMedia(s.owner.sharedLocalMedia()); err != nil {
		pc.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		pc.Close()
		return nil, ErrSessionTerminated
	}
	s.pc = pc
	queued := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := pc.AddIceCandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "createPeerConnection",
				"call_id":  s.callID,
				"peer_id":  s.peerID,
				"error":    err.Error(),
			}).Warn("Failed to add queued remote ICE candidate")
		}
	}
	return pc, nil
}

func (s *PeerSession) applyRemoteDescription(desc SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return NewAssertionError("no peer connection for remote description")
	}
	return pc.SetRemoteDescription(s.ctx, desc)
}

// handleAcceptOffer delivers the remote answer to the negotiation task.
// Duplicate deliveries are dropped; at-least-once transports redeliver.
func (s *PeerSession) handleAcceptOffer(answer SessionDescription) {
	s.answerOnce.Do(func() {
		s.answerCh <- answer
	})
}

// addRemoteCandidates applies a remote candidate batch, queueing it when
// the peer connection does not exist yet.
func (s *PeerSession) addRemoteCandidates(candidates []IceCandidate) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	if pc == nil {
		s.pendingRemote = append(s.pendingRemote, candidates...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	for _, candidate := range candidates {
		if err := pc.AddIceCandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "addRemoteCandidates",
				"call_id":  s.callID,
				"peer_id":  s.peerID,
				"error":    err.Error(),
			}).Warn("Failed to add remote ICE candidate")
		}
	}
	s.owner.events.Add(ReceivedRemoteIceEvent{
		CallID: s.callID,
		PeerID: s.peerID,
		UserID: s.userID,
		Count:  len(candidates),
	})
}

// addLocalCandidate buffers one locally generated candidate.
func (s *PeerSession) addLocalCandidate(candidate IceCandidate) {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	s.owner.events.Add(GeneratedLocalIceEvent{CallID: s.callID, PeerID: s.peerID, UserID: s.userID})
	s.buf.add(candidate)
}

// sendLocalCandidates is the buffer's flush target.
func (s *PeerSession) sendLocalCandidates(batch []IceCandidate) {
	if err := s.owner.sendIceCandidates(s.ctx, s, batch); err != nil {
		// Candidate loss degrades connectivity but is not itself fatal;
		// the connect timeout is the backstop.
		logrus.WithFields(logrus.Fields{
			"function": "sendLocalCandidates",
			"call_id":  s.callID,
			"peer_id":  s.peerID,
			"count":    len(batch),
			"error":    err.Error(),
		}).Warn("Failed to send local ICE candidates")
		return
	}
	s.owner.events.Add(SentLocalIceEvent{
		CallID: s.callID,
		PeerID: s.peerID,
		UserID: s.userID,
		Count:  len(batch),
	})
}

// markIceConnected resolves the connect signal. Safe to call repeatedly.
func (s *PeerSession) markIceConnected() {
	s.connectedOnce.Do(func() {
		close(s.connectedCh)
	})
}

// markIceDisconnected records a transport-level disconnect. The media
// stack may self-heal, but for session bookkeeping the state is terminal.
func (s *PeerSession) markIceDisconnected() {
	s.setState(PeerStateDisconnected)
}

// markLeft transitions the session into one of the leave-family terminal
// states: PeerStatePeerLeft, PeerStateLeftPeer, or PeerStateDiscarded.
func (s *PeerSession) markLeft(state PeerState) {
	if !state.Terminal() {
		logrus.WithFields(logrus.Fields{
			"function": "markLeft",
			"peer_id":  s.peerID,
			"state":    state.String(),
		}).Error("markLeft called with non-terminal state")
		return
	}
	s.setState(state)
}

// fail maps err onto the taxonomy and drives the session to failed.
// Errors never propagate past this boundary.
func (s *PeerSession) fail(err *CallError) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"call_id":  s.callID,
		"peer_id":  s.peerID,
		"user_id":  s.userID,
		"kind":     err.Kind.String(),
		"error":    err.Error(),
	}).Warn("Peer session failed")
	s.setState(PeerStateFailed)
}

// teardown releases the session's resources. The media stack is fragile
// under concurrent teardown, so the order is fixed: disable remote video,
// clear senders, close the connection, clear the reference.
func (s *PeerSession) teardown() {
	s.terminate.Do(func() {
		s.cancel()
		s.buf.close()

		s.mu.Lock()
		pc := s.pc
		s.pc = nil
		s.mu.Unlock()

		if pc != nil {
			pc.DisableRemoteVideo()
			pc.ClearSenders()
			if err := pc.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "teardown",
					"call_id":  s.callID,
					"peer_id":  s.peerID,
					"error":    err.Error(),
				}).Warn("Error closing peer connection")
			}
		}
		s.owner.events.Add(PeerDeinitEvent{CallID: s.callID, PeerID: s.peerID, UserID: s.userID})
	})
}

// peerConnectionEvents routes media-stack callbacks to the owning session
// by peer id. Callbacks arriving after the session was removed find no
// live session and become no-ops, so no callback can reach a torn-down
// object.
type peerConnectionEvents struct {
	owner  *Call
	peerID string
}

func (e peerConnectionEvents) OnIceCandidate(candidate IceCandidate) {
	if s := e.owner.livePeer(e.peerID); s != nil {
		s.addLocalCandidate(candidate)
	}
}

func (e peerConnectionEvents) OnIceConnected() {
	if s := e.owner.livePeer(e.peerID); s != nil {
		s.markIceConnected()
	}
}

func (e peerConnectionEvents) OnIceDisconnected() {
	if s := e.owner.livePeer(e.peerID); s != nil {
		s.markIceDisconnected()
	}
}

func (e peerConnectionEvents) OnIceFailed() {
	if s := e.owner.livePeer(e.peerID); s != nil {
		s.fail(&CallError{Kind: ErrorKindOther, Description: "ICE connection failed"})
	}
}

func (e peerConnectionEvents) OnRemoteTrack(kind string) {
	if s := e.owner.livePeer(e.peerID); s != nil {
		e.owner.remoteTrackAvailable(s, kind)
	}
}
