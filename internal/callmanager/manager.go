// Package callmanager owns the registry of in-flight Calls: it is the
// entry point the host platform layer drives (create/proceed/accept/drop/
// hangup, and every received-* signaling callback), and it enforces the
// single-active-call invariant and the recall/busy/offer-freshness rules
// that span more than one Call.
package callmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalapp/callcore/internal/call"
	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/signaling"
)

// RingMessageReceiver is implemented by the group-ring coordinator; the
// manager forwards call messages it doesn't itself understand (ring
// intentions/responses) there once one is registered.
type RingMessageReceiver interface {
	ReceivedCallMessage(msg signaling.ReceivedCallMessage)
}

// pendingArrival is a received_ice or received_hangup that arrived
// before its call_id's offer did, buffered until that offer arrives;
// entries that are stale by then are skipped rather than replayed.
type pendingArrival struct {
	arrivedAt time.Time
	replay    func(*call.Call)
}

const pendingArrivalTTL = 30 * time.Second

// Manager is the registry of Calls for one local device.
type Manager struct {
	mu           sync.RWMutex
	calls        map[signaling.CallID]*call.Call
	activeCallID *signaling.CallID
	ring         RingMessageReceiver
	pending      map[signaling.CallID][]pendingArrival
	callMsgLimit *senderRateLimiter

	nextCallID atomic.Uint64

	localDeviceID signaling.DeviceID
	mediaFactory  call.MediaTransportFactory
	signal        call.SignalSender
	app           call.ApplicationNotifier
}

// New returns an empty Manager for one local device.
func New(
	localDeviceID signaling.DeviceID,
	mediaFactory call.MediaTransportFactory,
	signal call.SignalSender,
	app call.ApplicationNotifier,
) *Manager {
	return &Manager{
		calls:         make(map[signaling.CallID]*call.Call),
		pending:       make(map[signaling.CallID][]pendingArrival),
		callMsgLimit:  newSenderRateLimiter(defaultSenderRateLimiterConfig()),
		localDeviceID: localDeviceID,
		mediaFactory:  mediaFactory,
		signal:        signal,
		app:           app,
	}
}

// SetRingReceiver wires a group-ring coordinator to receive call messages
// the manager itself doesn't interpret.
func (m *Manager) SetRingReceiver(r RingMessageReceiver) {
	m.mu.Lock()
	m.ring = r
	m.mu.Unlock()
}

func (m *Manager) lookup(callID signaling.CallID) (*call.Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	return c, ok
}

// Call looks up a call by id, for hosts that want to query state
// (e.g. a debug HTTP surface) without driving it.
func (m *Manager) Call(callID signaling.CallID) (*call.Call, bool) {
	return m.lookup(callID)
}

// Calls returns a snapshot of every call currently tracked by the
// manager, for hosts that want to enumerate state without driving it.
func (m *Manager) Calls() []*call.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]*call.Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	return calls
}

// activeCallLocked returns the active call and whether it is still live,
// under m.mu already held for read or write.
func (m *Manager) activeCallLocked() *call.Call {
	if m.activeCallID == nil {
		return nil
	}
	c, ok := m.calls[*m.activeCallID]
	if !ok || c.State().Terminal() {
		return nil
	}
	return c
}

// CreateOutgoingCall allocates a new outgoing Call to peerID and starts
// it (NotYetStarted -> WaitingToProceed). The host must call Proceed once
// it has completed whatever local setup (permissions, group-call slot,
// and so on) gates actually dialing.
func (m *Manager) CreateOutgoingCall(peerID string, mediaType signaling.CallMediaType, opaque []byte) (*call.Call, error) {
	m.mu.Lock()
	if active := m.activeCallLocked(); active != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("callmanager: a call is already active")
	}

	callID := signaling.CallID(m.nextCallID.Add(1))
	offer := signaling.Offer{CallMediaType: mediaType, Opaque: opaque}
	c := call.New(callID, peerID, signaling.DirectionOutgoing, m.localDeviceID, offer, m.mediaFactory, m.signal, m.app, m)
	m.calls[callID] = c
	m.activeCallID = &callID
	m.mu.Unlock()

	go c.Run(context.Background())
	c.Post(call.StartCallEvent{})
	slog.Info("outgoing call created", "call_id", callID, "peer_id", peerID)
	return c, nil
}

// ReceivedOffer handles an inbound offer carrying the call_id the
// offerer minted. If the peer already has an accepted call with us, the
// stale call is concluded with EndedRemoteReCall and this offer is
// accepted as a fresh incoming call. If some other call is active, this
// offer is declined with a local Busy and ReceivedOfferWhileActive. Any
// received_ice/received_hangup that raced ahead of this offer for the
// same call_id is replayed onto the new call once it exists.
func (m *Manager) ReceivedOffer(peerID string, callID signaling.CallID, senderDeviceID signaling.DeviceID, received signaling.ReceivedOffer) (*call.Call, error) {
	if call.OfferExpired(received.AgeSeconds) {
		m.app.NotifyEvent(0, signaling.AppEventReceivedOfferExpired)
		return nil, fmt.Errorf("callmanager: offer expired")
	}

	m.mu.Lock()
	if existing := m.activeCallLocked(); existing != nil {
		samePeerAccepted := existing.PeerID == peerID && existing.State().Accepted()
		m.mu.Unlock()

		if !samePeerAccepted {
			if m.signal != nil {
				_ = m.signal.SendBusy(context.Background(), peerID, senderDeviceID)
			}
			m.app.NotifyEvent(0, signaling.AppEventReceivedOfferWhileActive)
			return nil, fmt.Errorf("callmanager: busy")
		}

		existing.EndCall(signaling.AppEventEndedRemoteReCall)
		<-existing.Terminated()
		m.mu.Lock()
	}

	c := call.New(callID, peerID, signaling.DirectionIncoming, m.localDeviceID, received.Offer, m.mediaFactory, m.signal, m.app, m)
	c.PrepareIncoming(senderDeviceID)
	m.calls[callID] = c
	m.activeCallID = &callID
	arrivals := m.pending[callID]
	delete(m.pending, callID)
	m.mu.Unlock()

	go c.Run(context.Background())
	c.Post(call.StartCallEvent{})
	for _, a := range arrivals {
		if time.Since(a.arrivedAt) > pendingArrivalTTL {
			continue
		}
		a.replay(c)
	}
	slog.Info("incoming call created", "call_id", callID, "peer_id", peerID, "sender_device_id", senderDeviceID, "replayed", len(arrivals))
	return c, nil
}

// addPending buffers a received_ice/received_hangup that named a
// call_id this manager doesn't know yet, for replay once its offer
// arrives. Nothing expires these entries on a timer; if the offer never
// arrives they stay buffered.
func (m *Manager) addPending(callID signaling.CallID, replay func(*call.Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[callID] = append(m.pending[callID], pendingArrival{arrivedAt: time.Now(), replay: replay})
}

// Proceed tells a Call it may begin connecting, with the initial
// bandwidth mode and (if the host wants periodic audio-level
// notifications) their interval.
func (m *Manager) Proceed(callID signaling.CallID, mode connection.BandwidthMode, audioLevelsInterval *time.Duration) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Post(call.ProceedEvent{BandwidthMode: mode, AudioLevelsInterval: audioLevelsInterval})
	return nil
}

// AcceptCall accepts an incoming call that has reached ConnectedBeforeAccepted.
func (m *Manager) AcceptCall(callID signaling.CallID) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Post(call.AcceptCallEvent{})
	return nil
}

// DropCall terminates a call locally without sending a hangup: used when
// the call never reached a point where the peer needs telling (e.g. the
// local user cancels an outgoing call before anyone answered isn't
// distinguishable from this at the signaling layer, so apps generally
// want HangUp instead; DropCall is for purely local abandonment).
func (m *Manager) DropCall(callID signaling.CallID) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Terminate()
	return nil
}

// HangUp ends a call and broadcasts a normal hangup to every connection.
func (m *Manager) HangUp(callID signaling.CallID) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Post(call.SendHangupViaRtpDataToAllEvent{Hangup: signaling.Hangup{Type: signaling.HangupNormal}})
	return nil
}

// ReceivedAnswer forwards an answer from one of the peer's devices.
func (m *Manager) ReceivedAnswer(callID signaling.CallID, answer signaling.ReceivedAnswer) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Post(call.ReceivedAnswerEvent{ReceivedAnswer: answer})
	return nil
}

// ReceivedIce forwards a batch of ICE candidates from one of the peer's
// devices. If callID names a call whose offer hasn't arrived yet, the
// candidates are buffered and replayed once it does.
func (m *Manager) ReceivedIce(callID signaling.CallID, ice signaling.ReceivedIce) error {
	c, ok := m.lookup(callID)
	if !ok {
		slog.Debug("buffering received_ice for unknown call", "call_id", callID)
		m.addPending(callID, func(c *call.Call) { c.Post(call.ReceivedIceEvent{ReceivedIce: ice}) })
		return nil
	}
	c.Post(call.ReceivedIceEvent{ReceivedIce: ice})
	return nil
}

// ReceivedHangup forwards an out-of-band hangup to its call. If callID
// names a call whose offer hasn't arrived yet, the hangup is buffered
// and replayed once it does.
func (m *Manager) ReceivedHangup(callID signaling.CallID, hangup signaling.ReceivedHangup) error {
	c, ok := m.lookup(callID)
	if !ok {
		slog.Debug("buffering received_hangup for unknown call", "call_id", callID)
		m.addPending(callID, func(c *call.Call) { c.Post(call.ReceivedHangupEvent{ReceivedHangup: hangup}) })
		return nil
	}
	c.Post(call.ReceivedHangupEvent{ReceivedHangup: hangup})
	return nil
}

// ReceivedBusy concludes a call because one of the peer's devices
// reported itself already on another call.
func (m *Manager) ReceivedBusy(callID signaling.CallID, _ signaling.ReceivedBusy) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.EndCall(signaling.AppEventEndedRemoteBusy)
	return nil
}

// ReceivedCallMessage routes an opaque call message (group-ring traffic)
// to the configured ring coordinator, if any. A sender that exceeds its
// rate budget is dropped before it ever reaches the ring coordinator's
// dedup table, since that table is itself unbounded in the number of
// distinct ring ids a single flooding sender could otherwise mint.
func (m *Manager) ReceivedCallMessage(msg signaling.ReceivedCallMessage) {
	if !m.callMsgLimit.allow(msg.SenderUUID) {
		slog.Warn("dropping call message, sender exceeded rate limit", "sender_uuid", msg.SenderUUID)
		return
	}

	m.mu.RLock()
	r := m.ring
	m.mu.RUnlock()
	if r == nil {
		slog.Debug("received call message with no ring coordinator configured")
		return
	}
	r.ReceivedCallMessage(msg)
}

// MessageSent acknowledges that an outbound signaling message for callID
// was delivered; it exists for host platforms that track delivery
// asynchronously and is otherwise informational.
func (m *Manager) MessageSent(callID signaling.CallID) {
	slog.Debug("signaling message sent", "call_id", callID)
}

// MessageSendFailure reports that an outbound signaling message could not
// be delivered, ending the call with EndedSignalingFailure.
func (m *Manager) MessageSendFailure(callID signaling.CallID, err error) error {
	c, ok := m.lookup(callID)
	if !ok {
		return fmt.Errorf("callmanager: call %d not found", callID)
	}
	c.Post(call.SignalingFailureEvent{Err: err})
	return nil
}

// CallConcluded implements call.ManagerCallback: it drops the call from
// the registry once its own goroutine has fully wound it down.
func (m *Manager) CallConcluded(callID signaling.CallID) {
	m.mu.Lock()
	delete(m.calls, callID)
	delete(m.pending, callID)
	if m.activeCallID != nil && *m.activeCallID == callID {
		m.activeCallID = nil
	}
	m.mu.Unlock()
	slog.Info("call concluded", "call_id", callID)
}

// LocalDeviceBusy implements ring.BusyChecker: this device can't take a
// new group ring while it has an active direct call. A host that also
// tracks "already joined a different group call" locally should wrap
// this with that check rather than relying on it alone.
func (m *Manager) LocalDeviceBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCallLocked() != nil
}

// Close terminates every live call concurrently and waits for all of them
// to finish winding down.
func (m *Manager) Close() error {
	m.mu.RLock()
	calls := make([]*call.Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, c := range calls {
		c := c
		g.Go(func() error {
			c.Terminate()
			return nil
		})
	}
	m.callMsgLimit.stop()
	return g.Wait()
}
