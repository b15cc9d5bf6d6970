package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Call owns every peer session of one conference call, the shared local
// media tracks, and the call-level state machine. At most one Call exists
// process-wide; the Coordinator enforces that.
type Call struct {
	// CallID is the opaque id shared by all participants of the call.
	CallID string
	// ThreadID names the conversation the call belongs to.
	ThreadID string
	// Originator is the user who started the call.
	Originator string
	// Direction records whether the call was started locally.
	Direction CallDirection
	// Policy is the immutable media policy set at creation.
	Policy CallPolicy

	localUserID   string
	localDeviceID uint32

	sender       MessageSender
	threads      ThreadLookup
	media        MediaEngine
	iceServersFn func(ctx context.Context) ([]IceServer, error)
	events       *EventLog
	clock        TimeProvider

	machine *fsm.FSM

	mu          sync.Mutex
	peers       map[string]*PeerSession
	usedPeerIDs map[string]struct{}
	localMedia  LocalMedia
	connectedAt time.Time

	avReadyOnce sync.Once
	avReadyCh   chan struct{}
	offersOnce  sync.Once
	offersCh    chan struct{}
	cleanupOnce sync.Once

	obsMu     sync.Mutex
	observers map[ObserverToken]CallObserver
	nextToken ObserverToken
}

// callConfig carries the collaborators a Call is constructed with. All
// dependencies are injected; the call holds no globals.
type callConfig struct {
	callID        string
	threadID      string
	originator    string
	direction     CallDirection
	policy        CallPolicy
	localUserID   string
	localDeviceID uint32
	sender        MessageSender
	threads       ThreadLookup
	media         MediaEngine
	iceServers    func(ctx context.Context) ([]IceServer, error)
	events        *EventLog
	clock         TimeProvider
}

func newCall(cfg callConfig) *Call {
	c := &Call{
		CallID:        cfg.callID,
		ThreadID:      cfg.threadID,
		Originator:    cfg.originator,
		Direction:     cfg.direction,
		Policy:        cfg.policy,
		localUserID:   cfg.localUserID,
		localDeviceID: cfg.localDeviceID,
		sender:        cfg.sender,
		threads:       cfg.threads,
		media:         cfg.media,
		iceServersFn:  cfg.iceServers,
		events:        cfg.events,
		clock:         cfg.clock,
		peers:         make(map[string]*PeerSession),
		usedPeerIDs:   make(map[string]struct{}),
		avReadyCh:     make(chan struct{}),
		offersCh:      make(chan struct{}),
		observers:     make(map[ObserverToken]CallObserver),
	}

	c.machine = fsm.NewFSM(
		CallStateUndefined.String(),
		fsm.Events{
			{Name: "ring", Src: []string{"undefined"}, Dst: "ringing"},
			{Name: "vibrate", Src: []string{"ringing"}, Dst: "vibrating"},
			{Name: "reject", Src: []string{"ringing", "vibrating"}, Dst: "rejected"},
			{Name: "join", Src: []string{"undefined", "ringing", "vibrating"}, Dst: "joined"},
			{Name: "leave", Src: []string{"undefined", "ringing", "vibrating", "rejected", "joined"}, Dst: "leaving"},
			{Name: "left", Src: []string{"leaving"}, Dst: "left"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.callStateDidChange(callStateFromString(e.Src), callStateFromString(e.Dst))
			},
		},
	)

	c.events.Add(CallInitEvent{CallID: c.CallID})
	return c
}

func callStateFromString(s string) CallState {
	for state := CallStateUndefined; state <= CallStateLeft; state++ {
		if state.String() == s {
			return state
		}
	}
	return CallStateUndefined
}

// State returns the current call state.
func (c *Call) State() CallState {
	return callStateFromString(c.machine.Current())
}

// EventLog returns the call's diagnostic event ledger.
func (c *Call) EventLog() *EventLog {
	return c.events
}

// ConnectedAt returns when the call first reached joined, or the zero
// time if it never did.
func (c *Call) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// transition fires one state-machine event. Invalid transitions are
// logged and swallowed: duplicate deliveries and stale UI actions are
// routine on an at-least-once relay.
func (c *Call) transition(event string) bool {
	if err := c.machine.Event(context.Background(), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transition",
			"call_id":  c.CallID,
			"event":    event,
			"state":    c.machine.Current(),
			"error":    err.Error(),
		}).Debug("Ignoring invalid call state transition")
		return false
	}
	return true
}

func (c *Call) callStateDidChange(oldState, newState CallState) {
	c.events.Add(CallStateChangeEvent{CallID: c.CallID, OldState: oldState, NewState: newState})
	logrus.WithFields(logrus.Fields{
		"function":  "callStateDidChange",
		"call_id":   c.CallID,
		"old_state": oldState.String(),
		"new_state": newState.String(),
	}).Info("Call state changed")

	if newState == CallStateJoined {
		c.mu.Lock()
		if c.connectedAt.IsZero() {
			c.connectedAt = c.clock.Now()
		}
		c.mu.Unlock()

		// Sessions queued before the local join completed may now send
		// their offers; this preserves causal order for all participants.
		c.offersOnce.Do(func() { close(c.offersCh) })
	}

	for _, obs := range c.observerSnapshot() {
		obs.CallStateDidChange(c, oldState, newState)
	}
}

// ring marks an inbound call as ringing. Called by the coordinator when
// the first signaling event names an unknown callId.
func (c *Call) ring() {
	c.transition("ring")
}

// Join announces local participation to every thread member. On success
// the call enters joined and queued sessions begin sending offers. On
// send failure the call stays pre-joined; the caller surfaces retry to
// the user, the core does not retry.
func (c *Call) Join(ctx context.Context) error {
	if err := c.setUpLocalMedia(); err != nil {
		return err
	}

	members, err := c.threads.ParticipantIDs(c.ThreadID)
	if err != nil {
		return WrapError(err, "can't resolve thread participants")
	}

	msg := NewJoinMessage(c.CallID, c.Originator, members)
	if err := c.sender.Send(ctx, c.ThreadID, msg, nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Join",
			"call_id":  c.CallID,
			"error":    err.Error(),
		}).Error("Failed to send call join")
		return WrapError(err, "failed to send call join")
	}

	c.transition("join")
	return nil
}

// setUpLocalMedia creates the call-wide capture tracks once and applies
// the initial policy. A creation failure leaves the call retryable; a
// racing duplicate creation is discarded.
func (c *Call) setUpLocalMedia() error {
	c.mu.Lock()
	if c.localMedia != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	media, err := c.media.CreateLocalMedia(c.Policy)
	if err != nil {
		return WrapError(err, "failed to create local media")
	}
	media.SetAudioEnabled(!c.Policy.StartAudioMuted)
	media.SetVideoEnabled(!c.Policy.StartVideoMuted)

	c.mu.Lock()
	if c.localMedia != nil {
		c.mu.Unlock()
		media.Close()
		return nil
	}
	c.localMedia = media
	c.mu.Unlock()

	c.avReadyOnce.Do(func() { close(c.avReadyCh) })
	c.notifyLocalMediaChanged()
	return nil
}

// localMediaReady closes once the shared capture tracks exist.
func (c *Call) localMediaReady() <-chan struct{} { return c.avReadyCh }

// offersReleased closes once the call reaches joined.
func (c *Call) offersReleased() <-chan struct{} { return c.offersCh }

func (c *Call) sharedLocalMedia() LocalMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMedia
}

func (c *Call) iceServers(ctx context.Context) ([]IceServer, error) {
	return c.iceServersFn(ctx)
}

// HandleJoin reacts to a remote participant announcing themselves:
// any prior session for the endpoint is discarded and a fresh one is
// created to send an offer, gated on the local joined state.
func (c *Call) HandleJoin(userID string, deviceID uint32) {
	if userID == c.localUserID && deviceID == c.localDeviceID {
		return
	}
	c.discardExistingSessions(userID, deviceID)

	peerID := uuid.New().String()
	s := c.addSession(peerID, userID, deviceID)
	if s == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "HandleJoin",
		"call_id":   c.CallID,
		"peer_id":   peerID,
		"user_id":   userID,
		"device_id": deviceID,
	}).Info("Creating peer session for joined participant")
	s.startOffer()
}

// HandleOffer reacts to an inbound offer: the prior session for the
// endpoint (if any) is discarded and a new one, keyed by the sender's
// peerId, runs the answerer path.
func (c *Call) HandleOffer(peerID, userID string, deviceID uint32, offer SessionDescription) {
	if userID == c.localUserID && deviceID == c.localDeviceID {
		return
	}
	c.discardExistingSessions(userID, deviceID)

	s := c.addSession(peerID, userID, deviceID)
	if s == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "HandleOffer",
		"call_id":   c.CallID,
		"peer_id":   peerID,
		"user_id":   userID,
		"device_id": deviceID,
	}).Info("Creating peer session for inbound offer")
	s.startAnswer(offer)
}

// HandleAcceptOffer routes a remote answer to its session. Events naming
// an unknown or finished peer are dropped.
func (c *Call) HandleAcceptOffer(peerID string, answer SessionDescription) {
	s := c.livePeer(peerID)
	if s == nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleAcceptOffer",
			"call_id":  c.CallID,
			"peer_id":  peerID,
		}).Debug("Dropping accept-offer for unknown peer")
		return
	}
	s.handleAcceptOffer(answer)
}

// HandleSelfAcceptOffer reacts to one of the local user's other devices
// accepting the call: ringing becomes vibrating. Sessions already queued
// stay pending; they release normally if this device joins later.
func (c *Call) HandleSelfAcceptOffer(deviceID uint32) {
	if deviceID == c.localDeviceID {
		return
	}
	c.transition("vibrate")
}

// HandleIceCandidates routes a remote candidate batch to its session.
func (c *Call) HandleIceCandidates(peerID string, candidates []IceCandidate) {
	s := c.livePeer(peerID)
	if s == nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleIceCandidates",
			"call_id":  c.CallID,
			"peer_id":  peerID,
			"count":    len(candidates),
		}).Debug("Dropping ICE candidates for unknown peer")
		return
	}
	s.addRemoteCandidates(candidates)
}

// HandleLeave marks every live session of the leaving user peerLeft.
func (c *Call) HandleLeave(userID string) {
	for _, s := range c.peerSnapshot() {
		if s.userID == userID && !s.State().Terminal() {
			s.markLeft(PeerStatePeerLeft)
		}
	}
}

// Leave ends local participation: every live session is marked leftPeer
// synchronously, then the leave announcement goes to all thread members.
// The call reaches left when the send completes; a send failure is
// returned but the local call is finished either way.
func (c *Call) Leave(ctx context.Context) error {
	if !c.transition("leave") {
		return nil
	}

	for _, s := range c.peerSnapshot() {
		s.markLeft(PeerStateLeftPeer)
	}

	var sendErr error
	members, err := c.threads.ParticipantIDs(c.ThreadID)
	if err != nil {
		sendErr = WrapError(err, "can't resolve thread participants for leave")
	} else {
		msg := NewLeaveMessage(c.CallID, c.localUserID, members)
		if err := c.sender.Send(ctx, c.ThreadID, msg, nil); err != nil {
			sendErr = WrapError(err, "failed to send call leave")
		}
	}
	if sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Leave",
			"call_id":  c.CallID,
			"error":    sendErr.Error(),
		}).Warn("Leave announcement failed")
	}

	c.transition("left")
	return sendErr
}

// Reject declines a ringing call and immediately runs the leave sequence.
func (c *Call) Reject(ctx context.Context) error {
	if !c.transition("reject") {
		return nil
	}
	return c.Leave(ctx)
}

// SetAudioMuted toggles the shared local audio track. The call enforces
// the policy itself: when AllowAudioMuteToggle is unset the request is
// refused rather than trusting every UI layer to check first.
func (c *Call) SetAudioMuted(muted bool) error {
	if !c.Policy.AllowAudioMuteToggle {
		return ErrMuteNotAllowed
	}
	media := c.sharedLocalMedia()
	if media == nil {
		return NewAssertionError("no local media to mute")
	}
	media.SetAudioEnabled(!muted)
	c.notifyLocalMediaChanged()
	return nil
}

// AudioMuted reports whether the shared local audio track is muted.
func (c *Call) AudioMuted() bool {
	media := c.sharedLocalMedia()
	if media == nil {
		return c.Policy.StartAudioMuted
	}
	return !media.AudioEnabled()
}

// SetVideoMuted toggles the shared local video track, subject to policy.
func (c *Call) SetVideoMuted(muted bool) error {
	if !c.Policy.AllowVideoMuteToggle {
		return ErrMuteNotAllowed
	}
	media := c.sharedLocalMedia()
	if media == nil {
		return NewAssertionError("no local media to mute")
	}
	media.SetVideoEnabled(!muted)
	c.notifyLocalMediaChanged()
	return nil
}

// addSession registers a new peer session. A peerId is never reused: a
// session id that was ever live is rejected so terminal sessions cannot
// be resurrected by redelivered signaling.
func (c *Call) addSession(peerID, userID string, deviceID uint32) *PeerSession {
	c.mu.Lock()
	if _, used := c.usedPeerIDs[peerID]; used {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "addSession",
			"call_id":  c.CallID,
			"peer_id":  peerID,
		}).Debug("Dropping session create for already-seen peerId")
		return nil
	}
	c.usedPeerIDs[peerID] = struct{}{}
	c.mu.Unlock()

	// Construction logs the peer-init event and must not run under c.mu.
	s := newPeerSession(c, peerID, userID, deviceID)

	c.mu.Lock()
	c.peers[peerID] = s
	c.mu.Unlock()
	return s
}

// discardExistingSessions supersedes any live sessions for the endpoint.
func (c *Call) discardExistingSessions(userID string, deviceID uint32) {
	for _, s := range c.peerSnapshot() {
		if s.userID == userID && s.deviceID == deviceID && !s.State().Terminal() {
			s.markLeft(PeerStateDiscarded)
		}
	}
}

// livePeer returns the non-terminal session with the given peerId, or nil.
func (c *Call) livePeer(peerID string) *PeerSession {
	c.mu.Lock()
	s := c.peers[peerID]
	c.mu.Unlock()
	if s == nil || s.State().Terminal() {
		return nil
	}
	return s
}

// Peers returns a snapshot of the live peer collection.
func (c *Call) Peers() []*PeerSession {
	return c.peerSnapshot()
}

func (c *Call) peerSnapshot() []*PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PeerSession, 0, len(c.peers))
	for _, s := range c.peers {
		out = append(out, s)
	}
	return out
}

// peerStateDidChange fans a session transition out to observers and
// retires the session when it turned terminal.
func (c *Call) peerStateDidChange(s *PeerSession, oldState, newState PeerState) {
	for _, obs := range c.observerSnapshot() {
		obs.PeerStateDidChange(c, s.peerID, s.userID, oldState, newState)
	}
	if newState.Terminal() {
		c.removePeer(s)
	}
}

// removePeer removes the session from the live collection exactly once
// and tears it down. The peerId stays in usedPeerIDs so it can never be
// re-added.
func (c *Call) removePeer(s *PeerSession) {
	c.mu.Lock()
	current, ok := c.peers[s.peerID]
	if !ok || current != s {
		c.mu.Unlock()
		return
	}
	delete(c.peers, s.peerID)
	c.mu.Unlock()

	s.teardown()
}

func (c *Call) remoteTrackAvailable(s *PeerSession, kind string) {
	for _, obs := range c.observerSnapshot() {
		obs.RemoteTrackAvailable(c, s.peerID, s.userID, kind)
	}
}

func (c *Call) notifyLocalMediaChanged() {
	for _, obs := range c.observerSnapshot() {
		obs.LocalMediaChanged(c)
	}
}

// sendOffer transmits a hardened offer to the session's user only.
func (c *Call) sendOffer(ctx context.Context, s *PeerSession, offer SessionDescription) error {
	members, err := c.threads.ParticipantIDs(c.ThreadID)
	if err != nil {
		return fmt.Errorf("can't resolve thread participants: %w", err)
	}
	msg := NewOfferMessage(c.CallID, s.peerID, c.Originator, members, offer)
	return c.sender.Send(ctx, c.ThreadID, msg, []string{s.userID})
}

// sendAcceptOffer transmits a hardened answer to the session's user only.
func (c *Call) sendAcceptOffer(ctx context.Context, s *PeerSession, answer SessionDescription) error {
	members, err := c.threads.ParticipantIDs(c.ThreadID)
	if err != nil {
		return fmt.Errorf("can't resolve thread participants: %w", err)
	}
	msg := NewAcceptOfferMessage(c.CallID, s.peerID, c.Originator, members, answer)
	return c.sender.Send(ctx, c.ThreadID, msg, []string{s.userID})
}

// sendIceCandidates transmits one candidate batch to the session's user.
// Unlike offers, the originator here is the local user: candidates flow
// from whoever generated them.
func (c *Call) sendIceCandidates(ctx context.Context, s *PeerSession, batch []IceCandidate) error {
	msg := NewIceCandidatesMessage(c.CallID, s.peerID, c.localUserID, batch)
	return c.sender.Send(ctx, c.ThreadID, msg, []string{s.userID})
}

// Subscribe registers a call observer and returns its unsubscribe token.
// Observers must Unsubscribe on teardown; the registry holds them until
// then.
func (c *Call) Subscribe(obs CallObserver) ObserverToken {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextToken++
	token := c.nextToken
	c.observers[token] = obs
	return token
}

// Unsubscribe removes a previously registered observer.
func (c *Call) Unsubscribe(token ObserverToken) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, token)
}

func (c *Call) observerSnapshot() []CallObserver {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	out := make([]CallObserver, 0, len(c.observers))
	for _, obs := range c.observers {
		out = append(out, obs)
	}
	return out
}

// Cleanup releases the call's resources exactly once: residual sessions
// are torn down, local video is disabled before the tracks close, and
// the observer registry empties. Safe to call again; later calls no-op.
func (c *Call) Cleanup() {
	c.cleanupOnce.Do(func() {
		for _, s := range c.peerSnapshot() {
			s.markLeft(PeerStateLeftPeer)
			s.teardown()
		}

		c.mu.Lock()
		media := c.localMedia
		c.localMedia = nil
		c.mu.Unlock()

		if media != nil {
			media.SetVideoEnabled(false)
			if err := media.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Cleanup",
					"call_id":  c.CallID,
					"error":    err.Error(),
				}).Warn("Error closing local media")
			}
		}

		c.obsMu.Lock()
		c.observers = make(map[ObserverToken]CallObserver)
		c.obsMu.Unlock()

		c.events.Add(CallDeinitEvent{CallID: c.CallID})
	})
}
