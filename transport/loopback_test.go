package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdescalzo/relaycall/call"
)

type received struct {
	threadID string
	senderID string
	deviceID uint32
	payload  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
}

func (r *recorder) handler() Handler {
	return func(threadID, senderID string, senderDeviceID uint32, payload []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, received{threadID: threadID, senderID: senderID, deviceID: senderDeviceID, payload: payload})
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestLoopbackDeliversToThreadMembers(t *testing.T) {
	relay := NewLoopback()
	relay.AddThread("thread-1", []string{"alice", "bob"})

	aliceInbox := &recorder{}
	bobInbox := &recorder{}
	relay.Attach("alice", 1, aliceInbox.handler())
	relay.Attach("bob", 1, bobInbox.handler())

	sender := relay.SenderFor("alice", 1)
	msg := call.NewJoinMessage("call-1", "alice", []string{"alice", "bob"})
	require.NoError(t, sender.Send(context.Background(), "thread-1", msg, nil))

	assert.Equal(t, 0, aliceInbox.count(), "sender endpoint must not hear itself")
	require.Equal(t, 1, bobInbox.count())
	assert.Equal(t, "alice", bobInbox.msgs[0].senderID)
	assert.Equal(t, uint32(1), bobInbox.msgs[0].deviceID)

	parsed, err := call.UnmarshalControlMessage(bobInbox.msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, call.ControlCallJoin, parsed.Control)
}

func TestLoopbackEchoesToSendersOtherDevices(t *testing.T) {
	relay := NewLoopback()
	relay.AddThread("thread-1", []string{"alice", "bob"})

	phone := &recorder{}
	tablet := &recorder{}
	relay.Attach("alice", 1, phone.handler())
	relay.Attach("alice", 2, tablet.handler())

	sender := relay.SenderFor("alice", 1)
	msg := call.NewJoinMessage("call-1", "alice", []string{"alice", "bob"})
	require.NoError(t, sender.Send(context.Background(), "thread-1", msg, nil))

	assert.Equal(t, 0, phone.count())
	assert.Equal(t, 1, tablet.count())
}

func TestLoopbackTargetedDelivery(t *testing.T) {
	relay := NewLoopback()
	relay.AddThread("thread-1", []string{"alice", "bob", "carol"})

	bobInbox := &recorder{}
	carolInbox := &recorder{}
	relay.Attach("bob", 1, bobInbox.handler())
	relay.Attach("carol", 1, carolInbox.handler())

	sender := relay.SenderFor("alice", 1)
	msg := call.NewIceCandidatesMessage("call-1", "p1", "alice",
		[]call.IceCandidate{{Candidate: "candidate:0 1 udp 1 10.0.0.1 50000 typ host", SDPMid: "audio"}})
	require.NoError(t, sender.Send(context.Background(), "thread-1", msg, []string{"bob"}))

	assert.Equal(t, 1, bobInbox.count())
	assert.Equal(t, 0, carolInbox.count())
}

func TestLoopbackUnknownThread(t *testing.T) {
	relay := NewLoopback()
	sender := relay.SenderFor("alice", 1)

	msg := call.NewJoinMessage("call-1", "alice", []string{"alice"})
	err := sender.Send(context.Background(), "nowhere", msg, nil)

	require.Error(t, err)
}

func TestLoopbackRejectsInvalidMessages(t *testing.T) {
	relay := NewLoopback()
	relay.AddThread("thread-1", []string{"alice", "bob"})
	sender := relay.SenderFor("alice", 1)

	err := sender.Send(context.Background(), "thread-1", &call.ControlMessage{Control: "callJoin"}, nil)

	require.Error(t, err)
}

func TestParticipantIDsCopiesMembership(t *testing.T) {
	relay := NewLoopback()
	relay.AddThread("thread-1", []string{"alice", "bob"})

	members, err := relay.ParticipantIDs("thread-1")
	require.NoError(t, err)
	members[0] = "mallory"

	again, err := relay.ParticipantIDs("thread-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, again)
}
