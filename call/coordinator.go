package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Coordinator is the process-wide entry point for call signaling. It owns
// at most one active call, routes every inbound control message either to
// that call or to the floor (with a log line), and memoizes the ICE server
// fetch for its own lifetime so later calls reuse the first result.
type Coordinator struct {
	localUserID   string
	localDeviceID uint32

	sender     MessageSender
	threads    ThreadLookup
	media      MediaEngine
	iceSource  IceServerProvider
	clock      TimeProvider
	iceFlights singleflight.Group

	iceMu    sync.Mutex
	iceCache []IceServer

	mu      sync.Mutex
	current *Call

	obsMu     sync.Mutex
	observers map[ObserverToken]CoordinatorObserver
	nextToken ObserverToken
}

// CoordinatorConfig carries the collaborators a Coordinator needs. Clock
// may be nil; the wall clock is used then.
type CoordinatorConfig struct {
	LocalUserID   string
	LocalDeviceID uint32
	Sender        MessageSender
	Threads       ThreadLookup
	Media         MediaEngine
	IceServers    IceServerProvider
	Clock         TimeProvider
}

// NewCoordinator creates a coordinator with no active call.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &Coordinator{
		localUserID:   cfg.LocalUserID,
		localDeviceID: cfg.LocalDeviceID,
		sender:        cfg.Sender,
		threads:       cfg.Threads,
		media:         cfg.Media,
		iceSource:     cfg.IceServers,
		clock:         clock,
		observers:     make(map[ObserverToken]CoordinatorObserver),
	}
}

// LocalUserID returns the user id the coordinator signals as.
func (co *Coordinator) LocalUserID() string {
	return co.localUserID
}

// CurrentCall returns the active call, or nil.
func (co *Coordinator) CurrentCall() *Call {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.current
}

// StartCall creates an outgoing call on the given thread and joins it.
// Only one call may be active; a second start is refused.
func (co *Coordinator) StartCall(ctx context.Context, threadID string, policy CallPolicy) (*Call, error) {
	co.mu.Lock()
	if co.current != nil {
		co.mu.Unlock()
		return nil, ErrCallAlreadyActive
	}
	c := co.newCallLocked(uuid.New().String(), threadID, co.localUserID, DirectionOutgoing, policy)
	co.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "StartCall",
		"call_id":   c.CallID,
		"thread_id": threadID,
	}).Info("Starting outgoing call")

	co.notifyCallDidCreate(c, DirectionOutgoing)

	if err := c.Join(ctx); err != nil {
		// The call stays current so the caller can retry Join or End it.
		return c, err
	}
	return c, nil
}

// newCallLocked builds the Call and installs it as current. Caller holds
// co.mu.
func (co *Coordinator) newCallLocked(callID, threadID, originator string, direction CallDirection, policy CallPolicy) *Call {
	c := newCall(callConfig{
		callID:        callID,
		threadID:      threadID,
		originator:    originator,
		direction:     direction,
		policy:        policy,
		localUserID:   co.localUserID,
		localDeviceID: co.localDeviceID,
		sender:        co.sender,
		threads:       co.threads,
		media:         co.media,
		iceServers:    co.fetchIceServers,
		events:        NewEventLog(co.clock),
		clock:         co.clock,
	})
	c.Subscribe(callLifecycleObserver{co: co})
	co.current = c
	return c
}

// EndCall leaves and releases the given call. Calls other than the
// current one are ignored; ending is idempotent.
func (co *Coordinator) EndCall(ctx context.Context, c *Call) error {
	co.mu.Lock()
	if co.current != c {
		co.mu.Unlock()
		return nil
	}
	co.current = nil
	co.mu.Unlock()

	err := c.Leave(ctx)
	c.Cleanup()
	return err
}

// RejectCall declines and releases the given ringing call.
func (co *Coordinator) RejectCall(ctx context.Context, c *Call) error {
	co.mu.Lock()
	if co.current != c {
		co.mu.Unlock()
		return nil
	}
	co.current = nil
	co.mu.Unlock()

	err := c.Reject(ctx)
	c.Cleanup()
	return err
}

// ReceivedJoin handles an inbound callJoin. A join for an unknown callId
// creates a new ringing call when no call is active; when a different
// call is active the event is dropped and logged.
func (co *Coordinator) ReceivedJoin(threadID, callID, originator, senderID string, senderDeviceID uint32) {
	c, fresh := co.callForInbound(threadID, callID, originator)
	if c == nil {
		return
	}
	if fresh {
		co.notifyCallDidCreate(c, DirectionIncoming)
	}
	c.HandleJoin(senderID, senderDeviceID)
}

// ReceivedOffer handles an inbound callOffer. Like joins, an offer may be
// the first event of a new incoming call.
func (co *Coordinator) ReceivedOffer(threadID, callID, peerID, originator, senderID string, senderDeviceID uint32, offer SessionDescription) {
	c, fresh := co.callForInbound(threadID, callID, originator)
	if c == nil {
		return
	}
	if fresh {
		co.notifyCallDidCreate(c, DirectionIncoming)
	}
	c.HandleOffer(peerID, senderID, senderDeviceID, offer)
}

// ReceivedAcceptOffer routes an inbound callAcceptOffer to the current
// call. Answers never create calls; stale ones are dropped.
func (co *Coordinator) ReceivedAcceptOffer(callID, peerID string, answer SessionDescription) {
	c := co.matchCurrent("ReceivedAcceptOffer", callID)
	if c == nil {
		return
	}
	c.HandleAcceptOffer(peerID, answer)
}

// ReceivedSelfAcceptOffer handles the local user answering on another
// device.
func (co *Coordinator) ReceivedSelfAcceptOffer(callID string, deviceID uint32) {
	c := co.matchCurrent("ReceivedSelfAcceptOffer", callID)
	if c == nil {
		return
	}
	c.HandleSelfAcceptOffer(deviceID)
}

// ReceivedIceCandidates routes an inbound candidate batch.
func (co *Coordinator) ReceivedIceCandidates(callID, peerID string, candidates []IceCandidate) {
	c := co.matchCurrent("ReceivedIceCandidates", callID)
	if c == nil {
		return
	}
	c.HandleIceCandidates(peerID, candidates)
}

// ReceivedLeave routes an inbound callLeave.
func (co *Coordinator) ReceivedLeave(callID, senderID string) {
	c := co.matchCurrent("ReceivedLeave", callID)
	if c == nil {
		return
	}
	c.HandleLeave(senderID)
}

// callForInbound resolves the call an inbound join/offer belongs to,
// creating a ringing incoming call when the callId is new and no call is
// active. The second result reports whether the call was just created.
func (co *Coordinator) callForInbound(threadID, callID, originator string) (*Call, bool) {
	co.mu.Lock()
	if co.current != nil {
		c := co.current
		co.mu.Unlock()
		if c.CallID != callID {
			logrus.WithFields(logrus.Fields{
				"function":        "callForInbound",
				"call_id":         callID,
				"current_call_id": c.CallID,
			}).Info("Dropping signaling for non-current call")
			return nil, false
		}
		return c, false
	}
	c := co.newCallLocked(callID, threadID, originator, DirectionIncoming, DefaultCallPolicy())
	co.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "callForInbound",
		"call_id":   callID,
		"thread_id": threadID,
	}).Info("Creating incoming call")
	c.ring()
	return c, true
}

// matchCurrent returns the current call when its id matches, logging the
// drop otherwise.
func (co *Coordinator) matchCurrent(function, callID string) *Call {
	co.mu.Lock()
	c := co.current
	co.mu.Unlock()
	if c == nil || c.CallID != callID {
		logrus.WithFields(logrus.Fields{
			"function": function,
			"call_id":  callID,
		}).Debug("Dropping signaling for unknown call")
		return nil
	}
	return c
}

// iceFetchResult distinguishes a real account-service answer from the
// STUN fallback so only real answers are memoized.
type iceFetchResult struct {
	servers  []IceServer
	fallback bool
}

// fetchIceServers resolves the ICE server configuration once per
// coordinator lifetime. Concurrent sessions racing to build their
// connections all ride one fetch, and the first real result is reused by
// every later call. A failed or empty fetch falls back to a public STUN
// server so negotiation can still proceed; the fallback is not memoized,
// so the next call retries the account service.
func (co *Coordinator) fetchIceServers(ctx context.Context) ([]IceServer, error) {
	co.iceMu.Lock()
	if co.iceCache != nil {
		servers := co.iceCache
		co.iceMu.Unlock()
		return servers, nil
	}
	co.iceMu.Unlock()

	v, err, _ := co.iceFlights.Do("ice-servers", func() (interface{}, error) {
		servers, err := co.iceSource.GetIceServers(ctx)
		if err != nil || len(servers) == 0 {
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "fetchIceServers",
					"error":    err.Error(),
				}).Warn("ICE server fetch failed, using fallback STUN server")
			}
			return iceFetchResult{servers: []IceServer{FallbackStunServer}, fallback: true}, nil
		}
		return iceFetchResult{servers: servers}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(iceFetchResult)
	if !res.fallback {
		co.iceMu.Lock()
		co.iceCache = res.servers
		co.iceMu.Unlock()
	}
	return res.servers, nil
}

// Subscribe registers a coordinator observer.
func (co *Coordinator) Subscribe(obs CoordinatorObserver) ObserverToken {
	co.obsMu.Lock()
	defer co.obsMu.Unlock()
	co.nextToken++
	token := co.nextToken
	co.observers[token] = obs
	return token
}

// Unsubscribe removes a previously registered observer.
func (co *Coordinator) Unsubscribe(token ObserverToken) {
	co.obsMu.Lock()
	defer co.obsMu.Unlock()
	delete(co.observers, token)
}

// callLifecycleObserver releases the coordinator's reference once a call
// it created reaches left, no matter who drove the leave: EndCall,
// RejectCall, or a UI adapter calling Leave/Reject on the Call directly.
// Cleanup is idempotent, so racing the EndCall path is harmless.
type callLifecycleObserver struct {
	co *Coordinator
}

func (o callLifecycleObserver) CallStateDidChange(c *Call, _, newState CallState) {
	if newState != CallStateLeft {
		return
	}
	o.co.mu.Lock()
	if o.co.current == c {
		o.co.current = nil
	}
	o.co.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "CallStateDidChange",
		"call_id":  c.CallID,
	}).Info("Releasing finished call")
	c.Cleanup()
}

func (callLifecycleObserver) PeerStateDidChange(*Call, string, string, PeerState, PeerState) {}

func (callLifecycleObserver) RemoteTrackAvailable(*Call, string, string, string) {}

func (callLifecycleObserver) LocalMediaChanged(*Call) {}

func (co *Coordinator) notifyCallDidCreate(c *Call, direction CallDirection) {
	co.obsMu.Lock()
	obs := make([]CoordinatorObserver, 0, len(co.observers))
	for _, o := range co.observers {
		obs = append(obs, o)
	}
	co.obsMu.Unlock()
	for _, o := range obs {
		o.CallDidCreate(c, direction)
	}
}
