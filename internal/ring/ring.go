// Package ring implements the group-call ring coordinator: a dedup table
// keyed by (group_id, ring_id) that decides whether an incoming ring
// intention should actually surface to the UI, expires stale entries on
// a TTL, and folds in *OnAnotherDevice updates reported by this user's
// other devices.
package ring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalapp/callcore/internal/signaling"
)

// ttl bounds how long an unanswered ring intention stays live.
const ttl = 30 * time.Second

// BusyChecker reports whether this device is unavailable for a new
// group ring: on an active direct call, or already joined to a
// different group call.
type BusyChecker interface {
	LocalDeviceBusy() bool
}

// MessageSender delivers an opaque call message (ring intention or
// response) to one UUID, optionally scoped to one of its devices.
type MessageSender interface {
	SendCallMessage(ctx context.Context, recipientUUID string, recipientDeviceID *signaling.DeviceID, msg signaling.CallMessage) error
}

// UpdateNotifier is the host's sink for group-ring notifications.
type UpdateNotifier interface {
	NotifyRingUpdate(groupID []byte, ringID int64, update signaling.RingUpdate)
}

type key struct {
	groupID string
	ringID  int64
}

type entry struct {
	sender string
	timer  *time.Timer
}

// Coordinator is the (group_id, ring_id) dedup table for one local
// device.
type Coordinator struct {
	mu      sync.Mutex
	entries map[key]*entry

	localUUID string
	busy      BusyChecker
	sender    MessageSender
	notifier  UpdateNotifier
}

// New returns an empty Coordinator for localUUID.
func New(localUUID string, busy BusyChecker, sender MessageSender, notifier UpdateNotifier) *Coordinator {
	return &Coordinator{
		entries:   make(map[key]*entry),
		localUUID: localUUID,
		busy:      busy,
		sender:    sender,
		notifier:  notifier,
	}
}

// ReceivedCallMessage implements callmanager.RingMessageReceiver.
func (c *Coordinator) ReceivedCallMessage(msg signaling.ReceivedCallMessage) {
	switch {
	case msg.Message.RingIntention != nil:
		c.handleRingIntention(msg.SenderUUID, *msg.Message.RingIntention, msg.AgeSeconds)
	case msg.Message.RingResponse != nil:
		c.handleRingResponse(msg.SenderUUID, msg.SenderDeviceID, msg.LocalDeviceID, *msg.Message.RingResponse)
	default:
		slog.Debug("ring: call message carried neither an intention nor a response")
	}
}

func (c *Coordinator) handleRingIntention(senderUUID string, intent signaling.RingIntention, ageSeconds uint64) {
	k := key{groupID: string(intent.GroupID), ringID: intent.RingID}

	switch intent.Type {
	case signaling.RingIntentionCancelled:
		c.removeEntry(k)
		c.notifier.NotifyRingUpdate(intent.GroupID, intent.RingID, signaling.RingUpdateCancelledByRinger)
		return
	case signaling.RingIntentionRing:
		// fall through to the dedup/TTL/busy checks below.
	default:
		slog.Warn("ring: unknown ring intention type", "type", intent.Type)
		return
	}

	c.mu.Lock()
	_, exists := c.entries[k]
	c.mu.Unlock()
	if exists {
		slog.Debug("ring: dropping duplicate ring intention", "ring_id", intent.RingID)
		return
	}

	if ageSeconds >= uint64(ttl.Seconds()) {
		c.notifier.NotifyRingUpdate(intent.GroupID, intent.RingID, signaling.RingUpdateExpiredRequest)
		return
	}

	if c.busy != nil && c.busy.LocalDeviceBusy() {
		c.notifier.NotifyRingUpdate(intent.GroupID, intent.RingID, signaling.RingUpdateBusyLocally)
		c.sendResponse(context.Background(), intent.GroupID, intent.RingID, signaling.RingResponseBusy)
		return
	}

	groupID, ringID := intent.GroupID, intent.RingID
	e := &entry{sender: senderUUID}
	e.timer = time.AfterFunc(ttl, func() { c.expire(k, groupID, ringID) })

	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
	c.notifier.NotifyRingUpdate(groupID, ringID, signaling.RingUpdateRequested)
}

func (c *Coordinator) handleRingResponse(senderUUID string, senderDeviceID, localDeviceID signaling.DeviceID, resp signaling.RingResponse) {
	// Only a response from one of this user's own other devices changes
	// this table; a response from another group member is consumed by
	// the ring's originator, not by every ringee's local table.
	if senderUUID != c.localUUID || senderDeviceID == localDeviceID {
		return
	}

	var update signaling.RingUpdate
	switch resp.Type {
	case signaling.RingResponseAccepted:
		update = signaling.RingUpdateAcceptedOnAnotherDevice
	case signaling.RingResponseDeclined:
		update = signaling.RingUpdateDeclinedOnAnotherDevice
	case signaling.RingResponseBusy:
		update = signaling.RingUpdateBusyOnAnotherDevice
	default:
		return
	}

	k := key{groupID: string(resp.GroupID), ringID: resp.RingID}
	c.removeEntry(k)
	c.notifier.NotifyRingUpdate(resp.GroupID, resp.RingID, update)
}

func (c *Coordinator) expire(k key, groupID []byte, ringID int64) {
	c.mu.Lock()
	_, existed := c.entries[k]
	delete(c.entries, k)
	c.mu.Unlock()
	if !existed {
		return
	}
	c.notifier.NotifyRingUpdate(groupID, ringID, signaling.RingUpdateExpiredRequest)
}

func (c *Coordinator) removeEntry(k key) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	if ok && e.timer != nil {
		e.timer.Stop()
	}
}

func (c *Coordinator) sendResponse(ctx context.Context, groupID []byte, ringID int64, responseType signaling.RingResponseType) {
	if c.sender == nil {
		return
	}
	msg := signaling.CallMessage{RingResponse: &signaling.RingResponse{GroupID: groupID, RingID: ringID, Type: responseType}}
	if err := c.sender.SendCallMessage(ctx, c.localUUID, nil, msg); err != nil {
		slog.Warn("ring: failed to send response to self", "err", err)
	}
}

// ActiveRing describes one live entry, for hosts that want to
// enumerate pending rings (e.g. a debug HTTP surface).
type ActiveRing struct {
	GroupID []byte
	RingID  int64
	Sender  string
}

// Active returns a snapshot of every ring intention still tracked.
func (c *Coordinator) Active() []ActiveRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := make([]ActiveRing, 0, len(c.entries))
	for k, e := range c.entries {
		active = append(active, ActiveRing{GroupID: []byte(k.groupID), RingID: k.ringID, Sender: e.sender})
	}
	return active
}

// IsActive reports whether (groupID, ringID) still has a live entry.
// The host's local-join handler must check this before emitting an
// Accepted response: once the entry has expired or been cancelled, a
// late local join must not ring the group.
func (c *Coordinator) IsActive(groupID []byte, ringID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key{groupID: string(groupID), ringID: ringID}]
	return ok
}

// RespondLocally is how the host reports the local user's own
// accept/decline of a still-active ring. It removes the local entry and
// broadcasts the response to this user's other devices.
func (c *Coordinator) RespondLocally(ctx context.Context, groupID []byte, ringID int64, responseType signaling.RingResponseType) error {
	k := key{groupID: string(groupID), ringID: ringID}
	if !c.IsActive(groupID, ringID) {
		return fmt.Errorf("ring: no active ring for group %x ring %d", groupID, ringID)
	}
	c.removeEntry(k)
	c.sendResponse(ctx, groupID, ringID, responseType)
	return nil
}
