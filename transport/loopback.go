// Package transport provides an in-process message relay for tests and
// examples. Delivery is synchronous and in order per sender, which is a
// stricter guarantee than a real relay offers; consumers must still
// tolerate duplicates and drops, and tests exercise those separately.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdescalzo/relaycall/call"
)

// Handler consumes one delivered control payload.
type Handler func(threadID, senderID string, senderDeviceID uint32, payload []byte)

type endpoint struct {
	userID   string
	deviceID uint32
	handle   Handler
}

// Loopback relays control messages between in-process endpoints and
// doubles as the thread-membership store.
type Loopback struct {
	mu        sync.RWMutex
	threads   map[string][]string
	endpoints []endpoint
}

// NewLoopback creates an empty relay.
func NewLoopback() *Loopback {
	return &Loopback{threads: make(map[string][]string)}
}

// AddThread registers a thread and its member user ids.
func (l *Loopback) AddThread(threadID string, members []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[threadID] = append([]string(nil), members...)
}

// ParticipantIDs implements call.ThreadLookup.
func (l *Loopback) ParticipantIDs(threadID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	members, ok := l.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("unknown thread %q", threadID)
	}
	return append([]string(nil), members...), nil
}

// Attach registers a receiving endpoint.
func (l *Loopback) Attach(userID string, deviceID uint32, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints = append(l.endpoints, endpoint{userID: userID, deviceID: deviceID, handle: h})
}

// SenderFor returns a call.MessageSender bound to the given endpoint.
func (l *Loopback) SenderFor(userID string, deviceID uint32) call.MessageSender {
	return &boundSender{relay: l, userID: userID, deviceID: deviceID}
}

type boundSender struct {
	relay    *Loopback
	userID   string
	deviceID uint32
}

// Send implements call.MessageSender. Delivery targets every endpoint of
// the recipient users except the sending endpoint itself, matching a
// relay that echoes to the sender's other devices.
func (s *boundSender) Send(_ context.Context, threadID string, msg *call.ControlMessage, recipientIDs []string) error {
	payload, err := call.MarshalControlMessage(msg)
	if err != nil {
		return err
	}

	recipients := recipientIDs
	if len(recipients) == 0 {
		members, err := s.relay.ParticipantIDs(threadID)
		if err != nil {
			return err
		}
		recipients = members
	}
	allowed := make(map[string]struct{}, len(recipients))
	for _, id := range recipients {
		allowed[id] = struct{}{}
	}

	s.relay.mu.RLock()
	targets := append([]endpoint(nil), s.relay.endpoints...)
	s.relay.mu.RUnlock()

	for _, ep := range targets {
		if _, ok := allowed[ep.userID]; !ok {
			continue
		}
		if ep.userID == s.userID && ep.deviceID == s.deviceID {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"control":  msg.Control,
			"from":     s.userID,
			"to":       ep.userID,
		}).Debug("Loopback delivering control message")
		ep.handle(threadID, s.userID, s.deviceID, payload)
	}
	return nil
}
