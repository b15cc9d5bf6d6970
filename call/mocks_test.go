package call

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// testSDP is a minimal parseable description with one audio section.
const testSDP = "v=0\r\n" +
	"o=- 46117317 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:audio\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n"

// mockClock is a manually driven TimeProvider. After returns a channel
// the test fires explicitly, so connect timeouts never depend on real
// time.
type mockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []chan time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1700000000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *mockClock) After(time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, ch)
	return ch
}

func (c *mockClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *mockClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fireTimers expires every timer handed out so far.
func (c *mockClock) fireTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.timers {
		select {
		case ch <- c.now:
		default:
		}
	}
	c.timers = nil
}

type sentMessage struct {
	threadID   string
	msg        *ControlMessage
	recipients []string
}

// mockSender records outbound control messages and can fail specific
// control types.
type mockSender struct {
	mu           sync.Mutex
	sent         []sentMessage
	failControls map[string]error
}

func newMockSender() *mockSender {
	return &mockSender{failControls: make(map[string]error)}
}

func (s *mockSender) Send(_ context.Context, threadID string, msg *ControlMessage, recipientIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failControls[msg.Control]; ok {
		return err
	}
	s.sent = append(s.sent, sentMessage{threadID: threadID, msg: msg, recipients: recipientIDs})
	return nil
}

func (s *mockSender) failControl(control string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failControls[control] = err
}

func (s *mockSender) byControl(control string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.msg.Control == control {
			out = append(out, m)
		}
	}
	return out
}

// mockThreads is a static thread-membership store.
type mockThreads struct {
	members map[string][]string
}

func newMockThreads() *mockThreads {
	return &mockThreads{members: map[string][]string{
		"thread-1": {"local-user", "remote-user", "third-user"},
	}}
}

func (t *mockThreads) ParticipantIDs(threadID string) ([]string, error) {
	members, ok := t.members[threadID]
	if !ok {
		return nil, fmt.Errorf("unknown thread %q", threadID)
	}
	return members, nil
}

// mockIceProvider counts fetches so memoization is observable. Setting
// block makes fetches stall until the channel closes, so tests can pile
// concurrent callers onto one in-flight request.
type mockIceProvider struct {
	mu      sync.Mutex
	servers []IceServer
	err     error
	calls   int
	block   chan struct{}
}

func (p *mockIceProvider) GetIceServers(context.Context) ([]IceServer, error) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.servers, p.err
}

func (p *mockIceProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type mockLocalMedia struct {
	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func (m *mockLocalMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
}

func (m *mockLocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *mockLocalMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
}

func (m *mockLocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *mockLocalMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLocalMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockPeerConnection records negotiation calls and the teardown order.
type mockPeerConnection struct {
	observer PeerConnectionObserver

	mu            sync.Mutex
	attached      LocalMedia
	localDesc     *SessionDescription
	remoteDesc    *SessionDescription
	candidates    []IceCandidate
	teardownSteps []string

	createOfferErr  error
	createAnswerErr error
	setRemoteErr    error
}

func (p *mockPeerConnection) AttachLocalMedia(media LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = media
	return nil
}

func (p *mockPeerConnection) CreateOffer(context.Context) (SessionDescription, error) {
	if p.createOfferErr != nil {
		return SessionDescription{}, p.createOfferErr
	}
	return SessionDescription{Type: "offer", SDP: testSDP}, nil
}

func (p *mockPeerConnection) CreateAnswer(context.Context) (SessionDescription, error) {
	if p.createAnswerErr != nil {
		return SessionDescription{}, p.createAnswerErr
	}
	return SessionDescription{Type: "answer", SDP: testSDP}, nil
}

func (p *mockPeerConnection) SetLocalDescription(_ context.Context, desc SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *mockPeerConnection) SetRemoteDescription(_ context.Context, desc SessionDescription) error {
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	return nil
}

func (p *mockPeerConnection) AddIceCandidate(candidate IceCandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *mockPeerConnection) DisableRemoteVideo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownSteps = append(p.teardownSteps, "disableRemoteVideo")
}

func (p *mockPeerConnection) ClearSenders() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownSteps = append(p.teardownSteps, "clearSenders")
}

func (p *mockPeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownSteps = append(p.teardownSteps, "close")
	return nil
}

func (p *mockPeerConnection) remoteCandidates() []IceCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]IceCandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *mockPeerConnection) steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.teardownSteps))
	copy(out, p.teardownSteps)
	return out
}

// mockMediaEngine hands out mock connections and remembers them so tests
// can drive their observers.
type mockMediaEngine struct {
	mu             sync.Mutex
	createMediaErr error
	newPCErr       error
	media          []*mockLocalMedia
	pcs            []*mockPeerConnection
}

func (e *mockMediaEngine) CreateLocalMedia(policy CallPolicy) (LocalMedia, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createMediaErr != nil {
		return nil, e.createMediaErr
	}
	m := &mockLocalMedia{}
	e.media = append(e.media, m)
	return m, nil
}

func (e *mockMediaEngine) NewPeerConnection(_ []IceServer, observer PeerConnectionObserver) (PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newPCErr != nil {
		return nil, e.newPCErr
	}
	pc := &mockPeerConnection{observer: observer}
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

func (e *mockMediaEngine) pcCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcs)
}

func (e *mockMediaEngine) pc(i int) *mockPeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pcs[i]
}

func (e *mockMediaEngine) lastMedia() *mockLocalMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.media) == 0 {
		return nil
	}
	return e.media[len(e.media)-1]
}

// recordingObserver captures call-level notifications.
type recordingObserver struct {
	mu          sync.Mutex
	callStates  []CallState
	peerStates  []PeerState
	tracks      []string
	mediaEvents int
}

func (o *recordingObserver) CallStateDidChange(_ *Call, _, newState CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callStates = append(o.callStates, newState)
}

func (o *recordingObserver) PeerStateDidChange(_ *Call, _, _ string, _, newState PeerState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.peerStates = append(o.peerStates, newState)
}

func (o *recordingObserver) RemoteTrackAvailable(_ *Call, _, _ string, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracks = append(o.tracks, kind)
}

func (o *recordingObserver) LocalMediaChanged(*Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mediaEvents++
}

func (o *recordingObserver) lastPeerState() PeerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.peerStates) == 0 {
		return PeerStateUndefined
	}
	return o.peerStates[len(o.peerStates)-1]
}

// callFixture assembles a Call with all collaborators mocked.
type callFixture struct {
	clock   *mockClock
	sender  *mockSender
	threads *mockThreads
	media   *mockMediaEngine
	call    *Call
}

func newCallFixture(direction CallDirection, policy CallPolicy) *callFixture {
	f := &callFixture{
		clock:   newMockClock(),
		sender:  newMockSender(),
		threads: newMockThreads(),
		media:   &mockMediaEngine{},
	}
	originator := "local-user"
	if direction == DirectionIncoming {
		originator = "remote-user"
	}
	f.call = newCall(callConfig{
		callID:        "call-1",
		threadID:      "thread-1",
		originator:    originator,
		direction:     direction,
		policy:        policy,
		localUserID:   "local-user",
		localDeviceID: 1,
		sender:        f.sender,
		threads:       f.threads,
		media:         f.media,
		iceServers: func(context.Context) ([]IceServer, error) {
			return []IceServer{FallbackStunServer}, nil
		},
		events: NewEventLog(f.clock),
		clock:  f.clock,
	})
	return f
}
