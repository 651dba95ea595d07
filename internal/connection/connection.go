// Package connection implements the per-remote-device connection state
// machine: one Connection exists for each (call, remote device) pair,
// driving ICE/media negotiation up through acceptance and, beyond that,
// reconnection.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalapp/callcore/internal/mrp"
	"github.com/signalapp/callcore/internal/signaling"
)

// wireEnvelope is what actually crosses the data channel: an MRP header
// plus the control payload it carries, wrapped together so a
// retransmission resends byte-for-byte what was sent the first time.
type wireEnvelope struct {
	Seqnum  *uint64                   `json:"seqnum,omitempty"`
	AckNum  *uint64                   `json:"ack_num,omitempty"`
	Message *signaling.ControlMessage `json:"message,omitempty"`
}

func encodeEnvelope(env wireEnvelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to encode control envelope", "err", err)
		return nil
	}
	return b
}

// State is one point in the connection's lifecycle.
type State int

const (
	StateNotYetStarted State = iota
	StateStarting
	StateIceGathering
	StateConnectingBeforeAccepted
	StateConnectedBeforeAccepted
	StateConnectingAfterAccepted
	StateConnectedAndAccepted
	StateReconnectingAfterAccepted
	StateIceFailed
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotYetStarted:
		return "NotYetStarted"
	case StateStarting:
		return "Starting"
	case StateIceGathering:
		return "IceGathering"
	case StateConnectingBeforeAccepted:
		return "ConnectingBeforeAccepted"
	case StateConnectedBeforeAccepted:
		return "ConnectedBeforeAccepted"
	case StateConnectingAfterAccepted:
		return "ConnectingAfterAccepted"
	case StateConnectedAndAccepted:
		return "ConnectedAndAccepted"
	case StateReconnectingAfterAccepted:
		return "ReconnectingAfterAccepted"
	case StateIceFailed:
		return "IceFailed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further events should be processed.
func (s State) Terminal() bool { return s == StateTerminating || s == StateTerminated }

// Accepted reports whether this is one of the two "call is live" states.
func (s State) Accepted() bool {
	return s == StateConnectedAndAccepted || s == StateReconnectingAfterAccepted
}

// BandwidthMode selects how aggressively outbound bitrate is capped.
type BandwidthMode int

const (
	BandwidthModeNormal BandwidthMode = iota
	BandwidthModeLow
)

// Bitrate ceilings requested of the peer, and applied locally when the
// active network route is relayed. The negotiated ceiling we *request*
// is never reduced for a relayed path; what we allow ourselves to send
// is held further below it, since a relay (TURN) path has its own
// bandwidth budget we don't want to saturate even if the peer would
// tolerate more.
const (
	normalRelayedCeilingBps      = 1_000_000
	lowRelayedCeilingBps         = 300_000
	normalRelayedLocalCeilingBps = 800_000
	lowRelayedLocalCeilingBps    = 240_000
)

// Event is implemented by every input the Connection FSM accepts.
type Event interface{ isConnectionEvent() }

type AcceptEvent struct{}
type SendHangupViaRtpDataEvent struct{ Hangup signaling.Hangup }
type UpdateSenderStatusEvent struct {
	VideoEnabled  *bool
	SharingScreen *bool
}
type UpdateBandwidthModeEvent struct{ Mode BandwidthMode }

type ReceivedIceEvent struct{ Candidates []signaling.IceCandidate }
type ReceivedHangupEvent struct {
	CallID signaling.CallID
	Hangup signaling.Hangup
}

type LocalIceCandidatesEvent struct{ Candidates []signaling.IceCandidate }
type IceConnectedEvent struct{}
type IceFailedEvent struct{}
type IceDisconnectedEvent struct{}
type IceNetworkRouteChangedEvent struct{ Route signaling.NetworkRoute }
type ReceivedIncomingMediaEvent struct{}
type AudioLevelsEvent struct{ CapturedLevel, ReceivedLevel uint16 }

type ReceivedAcceptedViaRtpDataEvent struct{ CallID signaling.CallID }
type ReceivedSenderStatusViaRtpDataEvent struct {
	CallID signaling.CallID
	Status signaling.SenderStatusMessage
	Seqnum uint64
}
type ReceivedReceiverStatusViaRtpDataEvent struct {
	CallID        signaling.CallID
	MaxBitrateBps uint64
	Seqnum        uint64
}

type SynchronizeEvent struct{ Done chan<- struct{} }
type TerminateEvent struct{}
type InternalErrorEvent struct{ Err error }

func (AcceptEvent) isConnectionEvent()                           {}
func (SendHangupViaRtpDataEvent) isConnectionEvent()              {}
func (UpdateSenderStatusEvent) isConnectionEvent()                {}
func (UpdateBandwidthModeEvent) isConnectionEvent()               {}
func (ReceivedIceEvent) isConnectionEvent()                       {}
func (ReceivedHangupEvent) isConnectionEvent()                    {}
func (LocalIceCandidatesEvent) isConnectionEvent()                {}
func (IceConnectedEvent) isConnectionEvent()                      {}
func (IceFailedEvent) isConnectionEvent()                         {}
func (IceDisconnectedEvent) isConnectionEvent()                   {}
func (IceNetworkRouteChangedEvent) isConnectionEvent()            {}
func (ReceivedIncomingMediaEvent) isConnectionEvent()             {}
func (AudioLevelsEvent) isConnectionEvent()                       {}
func (ReceivedAcceptedViaRtpDataEvent) isConnectionEvent()        {}
func (ReceivedSenderStatusViaRtpDataEvent) isConnectionEvent()    {}
func (ReceivedReceiverStatusViaRtpDataEvent) isConnectionEvent()  {}
func (SynchronizeEvent) isConnectionEvent()                       {}
func (TerminateEvent) isConnectionEvent()                         {}
func (InternalErrorEvent) isConnectionEvent()                     {}

// ObserverEvent is implemented by every notification a Connection posts
// up to its parent Call.
type ObserverEvent interface{ isObserverEvent() }

type StateChangedEvent struct{ State State }
type ReceivedHangupObserverEvent struct{ Hangup signaling.ReceivedHangup }
type RemoteSenderStatusChangedEvent struct {
	VideoEnabled  *bool
	SharingScreen *bool
}
type IceNetworkRouteChangedObserverEvent struct{ Route signaling.NetworkRoute }
type AudioLevelsObserverEvent struct{ CapturedLevel, ReceivedLevel uint16 }
type InternalErrorObserverEvent struct{ Err error }

func (StateChangedEvent) isObserverEvent()                   {}
func (ReceivedHangupObserverEvent) isObserverEvent()         {}
func (RemoteSenderStatusChangedEvent) isObserverEvent()      {}
func (IceNetworkRouteChangedObserverEvent) isObserverEvent() {}
func (AudioLevelsObserverEvent) isObserverEvent()            {}
func (InternalErrorObserverEvent) isObserverEvent()          {}

// MediaTransport is the outbound capability set a Connection drives: a
// peer-connection-like object supplied by the host platform layer.
type MediaTransport interface {
	StartOutgoingParent(ctx context.Context) error
	StartOutgoingChild(ctx context.Context) error
	StartIncoming(ctx context.Context) error
	SetBandwidthMode(ctx context.Context, mode BandwidthMode, outgoingCeilingBps uint64) error
	AcceptLocally(ctx context.Context) error
	EnableMedia(ctx context.Context) error
	SendData(ctx context.Context, payload []byte) error
	NetworkRoute() signaling.NetworkRoute
	SetOutgoingAudioEnabled(enabled bool)
	SetOutgoingVideoEnabled(enabled bool)
	Close() error
}

// SignalSender delivers outbound signaling traffic scoped to this
// connection's single remote device.
type SignalSender interface {
	SendIce(ctx context.Context, remoteDeviceID signaling.DeviceID, candidates []signaling.IceCandidate) error
	SendHangup(ctx context.Context, remoteDeviceID signaling.DeviceID, hangup signaling.Hangup) error
}

const controlSendWindow = 16

// Connection is one per-remote-device leg of a call.
type Connection struct {
	CallID         signaling.CallID
	RemoteDeviceID signaling.DeviceID
	Direction      signaling.Direction

	media  MediaTransport
	signal SignalSender
	parent chan<- ObserverEvent

	events chan Event

	mu    sync.Mutex
	state State

	control *mrp.Stream[wireEnvelope, wireEnvelope]

	// Sender/receiver status run two independent seqnum spaces each: one
	// for the status we send out (a monotonic counter we own) and one for
	// the status we've seen come in from the peer (their counter, used
	// only to dedup/drop-stale). The two must not share a field: this is
	// the same Connection for both directions of the same MRP stream, so
	// a shared counter advanced by our own sends would wrongly shadow the
	// peer's independent sequence and drop legitimate remote updates.
	lastSenderStatusSeqnumSent   uint64
	lastSenderStatusSeqnumSeen   uint64
	lastReceiverStatusSeqnumSent uint64
	lastReceiverStatusSeqnumSeen uint64
	cachedSenderStatus           *ReceivedSenderStatusViaRtpDataEvent
	cachedReceiverStatus         *ReceivedReceiverStatusViaRtpDataEvent

	terminated chan struct{}
}

// New constructs a Connection in NotYetStarted. Run must be called to
// start processing events; ObserverEvents are delivered on parentEvents.
func New(
	callID signaling.CallID,
	remoteDeviceID signaling.DeviceID,
	direction signaling.Direction,
	media MediaTransport,
	signal SignalSender,
	parentEvents chan<- ObserverEvent,
) *Connection {
	return &Connection{
		CallID:         callID,
		RemoteDeviceID: remoteDeviceID,
		Direction:      direction,
		media:          media,
		signal:         signal,
		parent:         parentEvents,
		events:         make(chan Event, 64),
		state:          StateNotYetStarted,
		control:        mrp.New[wireEnvelope, wireEnvelope](controlSendWindow),
		terminated:     make(chan struct{}),
	}
}

// Post enqueues an event for processing by Run's goroutine. It never
// blocks on the caller past the channel's buffer; a full queue indicates
// the connection is wedged and the send is dropped with a log.
func (c *Connection) Post(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("connection event queue full, dropping", "call_id", c.CallID, "remote_device_id", c.RemoteDeviceID, "event", fmt.Sprintf("%T", ev))
	}
}

// State returns the current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyParent(StateChangedEvent{State: s})
}

func (c *Connection) notifyParent(ev ObserverEvent) {
	select {
	case c.parent <- ev:
	default:
		slog.Warn("connection observer queue full, dropping", "call_id", c.CallID, "remote_device_id", c.RemoteDeviceID, "event", fmt.Sprintf("%T", ev))
	}
}

// Run processes events serially until a TerminateEvent is handled. It is
// meant to be the body of the connection's dedicated worker goroutine.
func (c *Connection) Run(ctx context.Context) {
	resendTicker := time.NewTicker(200 * time.Millisecond)
	defer resendTicker.Stop()

	for {
		select {
		case ev := <-c.events:
			if c.State().Terminal() && !isTerminate(ev) {
				slog.Debug("dropping event in terminal state", "call_id", c.CallID, "remote_device_id", c.RemoteDeviceID, "state", c.State(), "event", fmt.Sprintf("%T", ev))
				continue
			}
			done := c.handle(ctx, ev)
			if done {
				close(c.terminated)
				return
			}
		case now := <-resendTicker.C:
			c.resend(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

func isTerminate(ev Event) bool {
	_, ok := ev.(TerminateEvent)
	return ok
}

// Terminated is closed once Run has finished processing a TerminateEvent.
func (c *Connection) Terminated() <-chan struct{} { return c.terminated }

func (c *Connection) handle(ctx context.Context, ev Event) (terminate bool) {
	switch e := ev.(type) {
	case AcceptEvent:
		c.handleAccept(ctx)
	case SendHangupViaRtpDataEvent:
		c.sendControlReliable(ctx, signaling.ControlMessage{Hangup: &signaling.HangupMessage{
			CallID: c.CallID,
			Type:   e.Hangup.Type,
			DeviceID: e.Hangup.DeviceID,
		}})
	case UpdateSenderStatusEvent:
		c.handleUpdateSenderStatus(ctx, e)
	case UpdateBandwidthModeEvent:
		c.handleUpdateBandwidthMode(ctx, e.Mode)
	case ReceivedIceEvent:
		// ICE candidates from signaling are dropped here; MediaTransport
		// has no method that takes remote candidates.
		_ = e
	case ReceivedHangupEvent:
		c.notifyParent(ReceivedHangupObserverEvent{Hangup: signaling.ReceivedHangup{
			SenderDeviceID: c.RemoteDeviceID,
			Hangup:         e.Hangup,
		}})
	case LocalIceCandidatesEvent:
		if c.signal != nil {
			if err := c.signal.SendIce(ctx, c.RemoteDeviceID, e.Candidates); err != nil {
				c.internalError(err)
			}
		}
	case IceConnectedEvent:
		c.handleIceConnected(ctx)
	case IceFailedEvent:
		c.setState(StateIceFailed)
	case IceDisconnectedEvent:
		c.handleIceDisconnected()
	case IceNetworkRouteChangedEvent:
		c.notifyParent(IceNetworkRouteChangedObserverEvent{Route: e.Route})
	case ReceivedIncomingMediaEvent:
		// Nothing state-machine relevant; media flow is the host's concern.
	case AudioLevelsEvent:
		c.notifyParent(AudioLevelsObserverEvent{CapturedLevel: e.CapturedLevel, ReceivedLevel: e.ReceivedLevel})
	case ReceivedAcceptedViaRtpDataEvent:
		c.handleReceivedAcceptedViaRtpData(ctx)
	case ReceivedSenderStatusViaRtpDataEvent:
		c.handleReceivedSenderStatus(e)
	case ReceivedReceiverStatusViaRtpDataEvent:
		c.handleReceivedReceiverStatus(e)
	case SynchronizeEvent:
		close(e.Done)
	case InternalErrorEvent:
		slog.Error("connection internal error", "call_id", c.CallID, "remote_device_id", c.RemoteDeviceID, "err", e.Err)
		c.notifyParent(InternalErrorObserverEvent{Err: e.Err})
	case TerminateEvent:
		c.setState(StateTerminating)
		if c.media != nil {
			_ = c.media.Close()
		}
		c.setState(StateTerminated)
		return true
	default:
		slog.Warn("connection: unhandled event type", "event", fmt.Sprintf("%T", e))
	}
	return false
}

func (c *Connection) internalError(err error) {
	c.Post(InternalErrorEvent{Err: err})
}

// StartOutgoingParent begins the parent connection of an outgoing call:
// it anchors the offer/key material and is only ever superseded by child
// connections, never torn down independently until the call ends.
func (c *Connection) StartOutgoingParent(ctx context.Context) error {
	c.setState(StateStarting)
	if err := c.media.StartOutgoingParent(ctx); err != nil {
		return err
	}
	c.setState(StateIceGathering)
	return nil
}

// StartOutgoingChild begins a child connection seeded from the parent,
// spawned once a given device answers.
func (c *Connection) StartOutgoingChild(ctx context.Context) error {
	c.setState(StateStarting)
	if err := c.media.StartOutgoingChild(ctx); err != nil {
		return err
	}
	c.setState(StateConnectingBeforeAccepted)
	return nil
}

// StartIncoming begins the single connection of an incoming call.
func (c *Connection) StartIncoming(ctx context.Context) error {
	c.setState(StateStarting)
	if err := c.media.StartIncoming(ctx); err != nil {
		return err
	}
	c.setState(StateConnectingBeforeAccepted)
	return nil
}

func (c *Connection) handleIceConnected(ctx context.Context) {
	switch c.State() {
	case StateConnectingBeforeAccepted:
		c.setState(StateConnectedBeforeAccepted)
	case StateConnectingAfterAccepted:
		c.setState(StateConnectedAndAccepted)
		c.replayCachedStatus(ctx)
	case StateReconnectingAfterAccepted:
		c.setState(StateConnectedAndAccepted)
	default:
		slog.Debug("ignoring IceConnected in state", "state", c.State())
	}
}

func (c *Connection) handleIceDisconnected() {
	if c.State() == StateConnectedAndAccepted {
		c.setState(StateReconnectingAfterAccepted)
	}
}

func (c *Connection) handleAccept(ctx context.Context) {
	if c.State() != StateConnectedBeforeAccepted {
		slog.Warn("Accept in unexpected state", "state", c.State())
		return
	}
	if err := c.media.AcceptLocally(ctx); err != nil {
		c.internalError(err)
		return
	}
	c.setState(StateConnectedAndAccepted)
	c.sendControlReliable(ctx, signaling.ControlMessage{Accepted: &signaling.AcceptedMessage{CallID: c.CallID}})
	c.replayCachedStatus(ctx)
}

func (c *Connection) handleReceivedAcceptedViaRtpData(ctx context.Context) {
	switch c.State() {
	case StateConnectingBeforeAccepted:
		// Early accept: the media transport has not connected yet.
		c.setState(StateConnectingAfterAccepted)
	case StateConnectedBeforeAccepted:
		if err := c.media.EnableMedia(ctx); err != nil {
			c.internalError(err)
			return
		}
		c.setState(StateConnectedAndAccepted)
		c.replayCachedStatus(ctx)
	default:
		// Accept idempotence: a retransmitted Accepted after the
		// connection is already live is a silent no-op.
		slog.Debug("ignoring duplicate ReceivedAcceptedViaRtpData", "state", c.State())
	}
}

func (c *Connection) handleUpdateSenderStatus(ctx context.Context, e UpdateSenderStatusEvent) {
	c.lastSenderStatusSeqnumSent++
	c.sendControlReliable(ctx, signaling.ControlMessage{SenderStatus: &signaling.SenderStatusMessage{
		CallID:        c.CallID,
		VideoEnabled:  e.VideoEnabled,
		SharingScreen: e.SharingScreen,
		Seqnum:        c.lastSenderStatusSeqnumSent,
	}})
}

func (c *Connection) handleUpdateBandwidthMode(ctx context.Context, mode BandwidthMode) {
	route := signaling.NetworkRoute{}
	if c.media != nil {
		route = c.media.NetworkRoute()
	}

	ceiling := requestedCeilingBps(mode)
	localCeiling := ceiling
	if route.Relayed {
		localCeiling = relayedLocalCeilingBps(mode)
	}

	if err := c.media.SetBandwidthMode(ctx, mode, localCeiling); err != nil {
		c.internalError(err)
		return
	}

	c.lastReceiverStatusSeqnumSent++
	c.sendControlReliable(ctx, signaling.ControlMessage{ReceiverStatus: &signaling.ReceiverStatusMessage{
		CallID:        c.CallID,
		MaxBitrateBps: ceiling,
		Seqnum:        c.lastReceiverStatusSeqnumSent,
	}})
}

func requestedCeilingBps(mode BandwidthMode) uint64 {
	if mode == BandwidthModeLow {
		return lowRelayedCeilingBps
	}
	return normalRelayedCeilingBps
}

// relayedLocalCeilingBps is the ceiling we impose on ourselves, as
// opposed to the one we ask the peer to honor, when the active path is
// relayed. The spec calls out this asymmetry explicitly: it is always
// lower than requestedCeilingBps for the same mode.
func relayedLocalCeilingBps(mode BandwidthMode) uint64 {
	if mode == BandwidthModeLow {
		return lowRelayedLocalCeilingBps
	}
	return normalRelayedLocalCeilingBps
}

func (c *Connection) handleReceivedSenderStatus(e ReceivedSenderStatusViaRtpDataEvent) {
	if !c.State().Accepted() {
		c.cachedSenderStatus = &e
		return
	}
	if e.Seqnum <= c.lastSenderStatusSeqnumSeen {
		slog.Warn("dropping stale sender status", "seqnum", e.Seqnum, "last_seen", c.lastSenderStatusSeqnumSeen)
		return
	}
	c.lastSenderStatusSeqnumSeen = e.Seqnum
	c.notifyParent(RemoteSenderStatusChangedEvent{VideoEnabled: e.Status.VideoEnabled, SharingScreen: e.Status.SharingScreen})
}

func (c *Connection) handleReceivedReceiverStatus(e ReceivedReceiverStatusViaRtpDataEvent) {
	if !c.State().Accepted() {
		c.cachedReceiverStatus = &e
		return
	}
	if e.Seqnum <= c.lastReceiverStatusSeqnumSeen {
		slog.Warn("dropping stale receiver status", "seqnum", e.Seqnum, "last_seen", c.lastReceiverStatusSeqnumSeen)
		return
	}
	c.lastReceiverStatusSeqnumSeen = e.Seqnum
	// A receiver-status update from the peer renegotiates our outbound
	// ceiling; delegate straight to the media transport.
	_ = c.media.SetBandwidthMode(context.Background(), BandwidthModeNormal, e.MaxBitrateBps)
}

// replayCachedStatus replays the most-recent-only cached status messages
// once the connection first enters ConnectedAndAccepted, per the status
// message caching policy.
func (c *Connection) replayCachedStatus(ctx context.Context) {
	if s := c.cachedSenderStatus; s != nil {
		c.cachedSenderStatus = nil
		c.handleReceivedSenderStatus(*s)
	}
	if s := c.cachedReceiverStatus; s != nil {
		c.cachedReceiverStatus = nil
		c.handleReceivedReceiverStatus(*s)
	}
	_ = ctx
}

func (c *Connection) sendControlReliable(ctx context.Context, msg signaling.ControlMessage) {
	err := c.control.TrySend(func(h mrp.Header) (wireEnvelope, time.Time, error) {
		env := wireEnvelope{Seqnum: h.Seqnum, AckNum: h.AckNum, Message: &msg}
		if err := c.media.SendData(ctx, encodeEnvelope(env)); err != nil {
			return wireEnvelope{}, time.Time{}, err
		}
		return env, time.Now().Add(500 * time.Millisecond), nil
	})
	if err == nil {
		return
	}
	var sendErr *mrp.InnerSendFailedError
	switch {
	case errors.Is(err, mrp.ErrSendWindowFull):
		slog.Warn("control send window full, caller must retry", "call_id", c.CallID)
	case errors.As(err, &sendErr):
		c.internalError(sendErr)
	}
}

// resend is polled by Run's ticker: it retransmits any due control
// packets and flushes a pending ack, if one is owed.
func (c *Connection) resend(ctx context.Context, now time.Time) {
	err := c.control.TryResend(now, func(env wireEnvelope) (time.Time, error) {
		if err := c.media.SendData(ctx, encodeEnvelope(env)); err != nil {
			return time.Time{}, err
		}
		return now.Add(500 * time.Millisecond), nil
	})
	var sendErr *mrp.InnerSendFailedError
	if errors.As(err, &sendErr) {
		c.internalError(sendErr)
		return
	}

	if _, err := c.control.TrySendAck(func(h mrp.Header) error {
		return c.media.SendData(ctx, encodeEnvelope(wireEnvelope{AckNum: h.AckNum}))
	}); errors.As(err, &sendErr) {
		c.internalError(sendErr)
	}
}

// HandleIncomingRtpData decodes a raw in-band payload, feeds it through
// the control stream's receive window, and posts whichever typed events
// result. This plays the role of "the MRP decoder above the data
// channel" from the component's input list.
func (c *Connection) HandleIncomingRtpData(header mrp.Header, msg signaling.ControlMessage) {
	ready, err := c.control.Receive(header, wireEnvelope{Seqnum: header.Seqnum, AckNum: header.AckNum, Message: &msg})
	if err != nil {
		var full *mrp.ReceiveWindowFullError
		if errors.As(err, &full) {
			slog.Warn("control receive window full", "call_id", c.CallID, "seqnum", full.Seqnum)
		}
		return
	}
	for _, env := range ready {
		if env.Message == nil {
			continue
		}
		m := env.Message
		switch {
		case m.Accepted != nil:
			c.Post(ReceivedAcceptedViaRtpDataEvent{CallID: m.Accepted.CallID})
		case m.Hangup != nil:
			c.Post(ReceivedHangupEvent{CallID: m.Hangup.CallID, Hangup: signaling.Hangup{Type: m.Hangup.Type, DeviceID: m.Hangup.DeviceID}})
		case m.SenderStatus != nil:
			c.Post(ReceivedSenderStatusViaRtpDataEvent{CallID: m.SenderStatus.CallID, Status: *m.SenderStatus, Seqnum: m.SenderStatus.Seqnum})
		case m.ReceiverStatus != nil:
			c.Post(ReceivedReceiverStatusViaRtpDataEvent{CallID: m.ReceiverStatus.CallID, MaxBitrateBps: m.ReceiverStatus.MaxBitrateBps, Seqnum: m.ReceiverStatus.Seqnum})
		}
	}
}
