package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventLog is the append-only diagnostic ledger of call and peer state
// transitions. Entries are kept for the process lifetime; call volume is
// low enough that pruning is unnecessary. Appends are serialized
// internally so concurrent writers preserve chronological order.

// Event is one ledger entry payload.
type Event interface {
	// describe renders the entry body for logs and diagnostics.
	describe() string
}

// CallInitEvent records creation of a call.
type CallInitEvent struct {
	CallID string
}

// CallDeinitEvent records destruction of a call.
type CallDeinitEvent struct {
	CallID string
}

// CallStateChangeEvent records a call state transition.
type CallStateChangeEvent struct {
	CallID   string
	OldState CallState
	NewState CallState
}

// PeerInitEvent records creation of a peer session.
type PeerInitEvent struct {
	CallID string
	PeerID string
	UserID string
}

// PeerDeinitEvent records destruction of a peer session.
type PeerDeinitEvent struct {
	CallID string
	PeerID string
	UserID string
}

// PeerStateChangeEvent records a peer session state transition.
type PeerStateChangeEvent struct {
	CallID   string
	PeerID   string
	UserID   string
	OldState PeerState
	NewState PeerState
}

// ReceivedRemoteIceEvent records acceptance of a remote candidate batch.
type ReceivedRemoteIceEvent struct {
	CallID string
	PeerID string
	UserID string
	Count  int
}

// GeneratedLocalIceEvent records buffering of one local candidate.
type GeneratedLocalIceEvent struct {
	CallID string
	PeerID string
	UserID string
}

// SentLocalIceEvent records transmission of a local candidate batch.
type SentLocalIceEvent struct {
	CallID string
	PeerID string
	UserID string
	Count  int
}

func (e CallInitEvent) describe() string {
	return fmt.Sprintf("call init: %s", e.CallID)
}

func (e CallDeinitEvent) describe() string {
	return fmt.Sprintf("call deinit: %s", e.CallID)
}

func (e CallStateChangeEvent) describe() string {
	return fmt.Sprintf("call state: %s->%s %s", e.OldState, e.NewState, e.CallID)
}

func (e PeerInitEvent) describe() string {
	return fmt.Sprintf("peer init: %s user %s call %s", e.PeerID, e.UserID, e.CallID)
}

func (e PeerDeinitEvent) describe() string {
	return fmt.Sprintf("peer deinit: %s user %s call %s", e.PeerID, e.UserID, e.CallID)
}

func (e PeerStateChangeEvent) describe() string {
	return fmt.Sprintf("peer state: %s->%s peer %s user %s call %s",
		e.OldState, e.NewState, e.PeerID, e.UserID, e.CallID)
}

func (e ReceivedRemoteIceEvent) describe() string {
	return fmt.Sprintf("received %d remote ice: peer %s call %s", e.Count, e.PeerID, e.CallID)
}

func (e GeneratedLocalIceEvent) describe() string {
	return fmt.Sprintf("buffered 1 local ice: peer %s call %s", e.PeerID, e.CallID)
}

func (e SentLocalIceEvent) describe() string {
	return fmt.Sprintf("sent %d local ice: peer %s call %s", e.Count, e.PeerID, e.CallID)
}

// LoggedEvent is one timestamped ledger entry.
type LoggedEvent struct {
	Timestamp time.Time
	Event     Event
}

// EventLog accumulates LoggedEvents from creation until process exit.
type EventLog struct {
	mu    sync.Mutex
	epoch time.Time
	clock TimeProvider

	entries []LoggedEvent
}

// NewEventLog creates a ledger whose relative timestamps count from now.
// A nil clock selects DefaultTimeProvider.
func NewEventLog(clock TimeProvider) *EventLog {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &EventLog{
		epoch: clock.Now(),
		clock: clock,
	}
}

// Add appends one event and echoes it to the debug log.
func (l *EventLog) Add(event Event) {
	l.mu.Lock()
	entry := LoggedEvent{Timestamp: l.clock.Now(), Event: event}
	l.entries = append(l.entries, entry)
	rendered := l.render(entry)
	l.mu.Unlock()

	logrus.Debug(rendered)
}

// Events returns a snapshot of the full entry sequence.
func (l *EventLog) Events() []LoggedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggedEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Render formats one entry relative to the ledger epoch.
func (l *EventLog) Render(entry LoggedEvent) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.render(entry)
}

func (l *EventLog) render(entry LoggedEvent) string {
	ms := entry.Timestamp.Sub(l.epoch).Milliseconds()
	return fmt.Sprintf("CCE %06dms %s", ms, entry.Event.describe())
}

// Summary renders every entry, oldest first, for post-hoc debugging of
// call-setup races.
func (l *EventLog) Summary() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, l.render(entry))
	}
	return out
}
