// Package relaycall implements multi-party call signaling over a message
// relay.
//
// A Client owns one call coordinator. The application feeds it inbound
// control payloads from its relay connection and supplies outbound
// delivery, thread membership, ICE configuration and a media engine;
// relaycall negotiates one media peer connection per remote participant
// and reports call and peer state through observer callbacks.
//
// Example:
//
//	client, err := relaycall.New(relaycall.Options{
//	    LocalUserID:   "2e9f...",
//	    LocalDeviceID: 1,
//	    Sender:        relaySender,
//	    Threads:       threadStore,
//	    Media:         webrtcmedia.NewEngine(),
//	    IceServers:    accountService,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnCallCreated(func(c *call.Call, direction call.CallDirection) {
//	    if direction == call.DirectionIncoming {
//	        showRingingScreen(c)
//	    }
//	})
//
//	// For every control payload received from the relay:
//	client.HandleControlMessage(threadID, senderID, senderDeviceID, payload)
package relaycall

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mdescalzo/relaycall/call"
)

// Options contains the collaborators a Client is created with. Sender,
// Threads, Media and IceServers are required; Clock defaults to the wall
// clock.
type Options struct {
	LocalUserID   string
	LocalDeviceID uint32
	Sender        call.MessageSender
	Threads       call.ThreadLookup
	Media         call.MediaEngine
	IceServers    call.IceServerProvider
	Clock         call.TimeProvider
}

// Client is the top-level handle to the calling subsystem.
type Client struct {
	coordinator *call.Coordinator
}

// New creates a Client from the given options.
func New(opts Options) (*Client, error) {
	switch {
	case opts.LocalUserID == "":
		return nil, errors.New("local user id is required")
	case opts.Sender == nil:
		return nil, errors.New("message sender is required")
	case opts.Threads == nil:
		return nil, errors.New("thread lookup is required")
	case opts.Media == nil:
		return nil, errors.New("media engine is required")
	case opts.IceServers == nil:
		return nil, errors.New("ice server provider is required")
	}

	co := call.NewCoordinator(call.CoordinatorConfig{
		LocalUserID:   opts.LocalUserID,
		LocalDeviceID: opts.LocalDeviceID,
		Sender:        opts.Sender,
		Threads:       opts.Threads,
		Media:         opts.Media,
		IceServers:    opts.IceServers,
		Clock:         opts.Clock,
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  opts.LocalUserID,
	}).Info("Call client created")

	return &Client{coordinator: co}, nil
}

// Coordinator exposes the underlying call coordinator for direct use.
func (c *Client) Coordinator() *call.Coordinator {
	return c.coordinator
}

// CurrentCall returns the active call, or nil.
func (c *Client) CurrentCall() *call.Call {
	return c.coordinator.CurrentCall()
}

// StartCall starts an outgoing call on the given thread.
func (c *Client) StartCall(ctx context.Context, threadID string, policy call.CallPolicy) (*call.Call, error) {
	return c.coordinator.StartCall(ctx, threadID, policy)
}

// EndCall leaves and releases the given call.
func (c *Client) EndCall(ctx context.Context, cl *call.Call) error {
	return c.coordinator.EndCall(ctx, cl)
}

// RejectCall declines and releases the given ringing call.
func (c *Client) RejectCall(ctx context.Context, cl *call.Call) error {
	return c.coordinator.RejectCall(ctx, cl)
}

// HandleControlMessage parses one inbound relay payload and routes it by
// control type. senderID and senderDeviceID identify the authenticated
// sender as established by the relay; the payload itself is not trusted
// for identity.
func (c *Client) HandleControlMessage(threadID, senderID string, senderDeviceID uint32, payload []byte) error {
	msg, err := call.UnmarshalControlMessage(payload)
	if err != nil {
		return fmt.Errorf("rejecting control message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleControlMessage",
		"control":  msg.Control,
		"call_id":  msg.CallID,
		"sender":   senderID,
	}).Debug("Routing control message")

	switch msg.Control {
	case call.ControlCallJoin:
		c.coordinator.ReceivedJoin(threadID, msg.CallID, msg.Originator, senderID, senderDeviceID)
	case call.ControlCallOffer:
		c.coordinator.ReceivedOffer(threadID, msg.CallID, msg.PeerID, msg.Originator, senderID, senderDeviceID, *msg.Offer)
	case call.ControlCallAcceptOffer:
		if senderID == c.coordinator.LocalUserID() {
			c.coordinator.ReceivedSelfAcceptOffer(msg.CallID, senderDeviceID)
			return nil
		}
		c.coordinator.ReceivedAcceptOffer(msg.CallID, msg.PeerID, *msg.Answer)
	case call.ControlCallSelfAcceptOffer:
		c.coordinator.ReceivedSelfAcceptOffer(msg.CallID, msg.DeviceID)
	case call.ControlCallICECandidates:
		c.coordinator.ReceivedIceCandidates(msg.CallID, msg.PeerID, msg.IceCandidates)
	case call.ControlCallLeave:
		c.coordinator.ReceivedLeave(msg.CallID, senderID)
	default:
		return fmt.Errorf("unknown control type %q", msg.Control)
	}
	return nil
}

// OnCallCreated registers a callback fired when a call comes into
// existence, locally started or inbound. The returned token unsubscribes
// via the coordinator.
func (c *Client) OnCallCreated(fn func(cl *call.Call, direction call.CallDirection)) call.ObserverToken {
	return c.coordinator.Subscribe(coordinatorCallback(fn))
}

// Unsubscribe removes a callback registered with OnCallCreated.
func (c *Client) Unsubscribe(token call.ObserverToken) {
	c.coordinator.Unsubscribe(token)
}

// Kill ends any active call and releases its resources. The client is
// unusable for new calls only in the sense that the application should
// discard it; an explicit shutdown keeps teardown ordering deterministic.
func (c *Client) Kill(ctx context.Context) {
	if cl := c.coordinator.CurrentCall(); cl != nil {
		if err := c.coordinator.EndCall(ctx, cl); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Kill",
				"call_id":  cl.CallID,
				"error":    err.Error(),
			}).Warn("Error ending call during shutdown")
		}
	}
}

type coordinatorCallback func(cl *call.Call, direction call.CallDirection)

func (f coordinatorCallback) CallDidCreate(cl *call.Call, direction call.CallDirection) {
	f(cl, direction)
}
