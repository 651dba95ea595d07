// Package call implements the per-call-attempt state machine: the Call
// FSM owns one or more Connections (forked across a peer's devices for
// outgoing calls), decides which becomes active, and propagates hangups
// and application notifications.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/signaling"
)

// MaxMessageAgeSeconds bounds how old an offer may be before it is
// rejected outright.
const MaxMessageAgeSeconds = 60

// OfferExpired reports whether an offer received at the given age should
// be rejected. Age exactly at the boundary is still accepted.
func OfferExpired(ageSeconds uint64) bool { return ageSeconds > MaxMessageAgeSeconds }

// setupTimeout bounds how long a call may sit unaccepted before it is
// torn down automatically.
const setupTimeout = 60 * time.Second

// State is one point in the call's lifecycle.
type State int

const (
	StateNotYetStarted State = iota
	StateWaitingToProceed
	StateConnectingBeforeAccepted
	StateConnectedBeforeAccepted
	StateConnectingAfterAccepted
	StateConnectedAndAccepted
	StateReconnectingAfterAccepted
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotYetStarted:
		return "NotYetStarted"
	case StateWaitingToProceed:
		return "WaitingToProceed"
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
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

func (s State) Terminal() bool { return s == StateTerminating || s == StateTerminated }
func (s State) Accepted() bool {
	return s == StateConnectedAndAccepted || s == StateReconnectingAfterAccepted
}

// Event is implemented by every input the Call FSM accepts.
type Event interface{ isCallEvent() }

type StartCallEvent struct{}
type AcceptCallEvent struct{}
type SendHangupViaRtpDataToAllEvent struct{ Hangup signaling.Hangup }
type ProceedEvent struct {
	BandwidthMode        connection.BandwidthMode
	AudioLevelsInterval  *time.Duration
}
type ReceivedAnswerEvent struct{ signaling.ReceivedAnswer }
type ReceivedIceEvent struct{ signaling.ReceivedIce }
type ReceivedHangupEvent struct{ signaling.ReceivedHangup }
type ConnectionObserverEvent struct {
	DeviceID signaling.DeviceID
	Event    connection.ObserverEvent
}
type ConnectionObserverErrorEvent struct {
	DeviceID signaling.DeviceID
	Err      error
}
type InternalErrorEvent struct{ Err error }
type SignalingFailureEvent struct{ Err error }
type CallTimeoutEvent struct{}
type SynchronizeEvent struct{ Done chan<- struct{} }
type TerminateEvent struct{}

func (StartCallEvent) isCallEvent()                   {}
func (AcceptCallEvent) isCallEvent()                   {}
func (SendHangupViaRtpDataToAllEvent) isCallEvent()    {}
func (ProceedEvent) isCallEvent()                      {}
func (ReceivedAnswerEvent) isCallEvent()               {}
func (ReceivedIceEvent) isCallEvent()                  {}
func (ReceivedHangupEvent) isCallEvent()                {}
func (ConnectionObserverEvent) isCallEvent()            {}
func (ConnectionObserverErrorEvent) isCallEvent()       {}
func (InternalErrorEvent) isCallEvent()                 {}
func (SignalingFailureEvent) isCallEvent()              {}
func (CallTimeoutEvent) isCallEvent()                   {}
func (SynchronizeEvent) isCallEvent()                   {}
func (TerminateEvent) isCallEvent()                     {}

// MediaTransportFactory builds the host-supplied media transport for one
// Connection of a call.
type MediaTransportFactory interface {
	NewMediaTransport(callID signaling.CallID, remoteDeviceID signaling.DeviceID, direction signaling.Direction) connection.MediaTransport
}

// SignalSender delivers outbound signaling traffic for a call: offers
// broadcast to every device of a peer, and answer/ice/hangup/busy
// scoped to one device (or broadcast, for hangups).
type SignalSender interface {
	SendOffer(ctx context.Context, peerID string, offer signaling.Offer) error
	SendAnswer(ctx context.Context, peerID string, deviceID signaling.DeviceID, answer signaling.Answer) error
	SendIce(ctx context.Context, peerID string, deviceID signaling.DeviceID, candidates []signaling.IceCandidate) error
	SendHangup(ctx context.Context, peerID string, deviceID *signaling.DeviceID, broadcast bool, hangup signaling.Hangup) error
	SendBusy(ctx context.Context, peerID string, deviceID signaling.DeviceID) error
}

// ApplicationNotifier is the host's sink for the closed set of
// per-call application notifications.
type ApplicationNotifier interface {
	NotifyEvent(callID signaling.CallID, event signaling.AppEvent)
	NotifyNetworkRouteChanged(callID signaling.CallID, route signaling.NetworkRoute)
	NotifyAudioLevels(callID signaling.CallID, capturedLevel, receivedLevel uint16)
}

// ManagerCallback lets a Call report back to its owning registry once it
// has fully concluded, so the registry can drop its reference.
type ManagerCallback interface {
	CallConcluded(callID signaling.CallID)
}

type connectionSignalAdapter struct {
	call *Call
}

func (a *connectionSignalAdapter) SendIce(ctx context.Context, deviceID signaling.DeviceID, candidates []signaling.IceCandidate) error {
	if a.call.signal == nil {
		return nil
	}
	return a.call.signal.SendIce(ctx, a.call.PeerID, deviceID, candidates)
}

func (a *connectionSignalAdapter) SendHangup(ctx context.Context, deviceID signaling.DeviceID, hangup signaling.Hangup) error {
	if a.call.signal == nil {
		return nil
	}
	return a.call.signal.SendHangup(ctx, a.call.PeerID, &deviceID, false, hangup)
}

// Call is one call attempt: either one outgoing offer forked across a
// peer's devices, or one incoming offer from a single device.
type Call struct {
	CallID        signaling.CallID
	PeerID        string
	Direction     signaling.Direction
	LocalDeviceID signaling.DeviceID
	Offer         signaling.Offer

	mediaFactory MediaTransportFactory
	signal       SignalSender
	app          ApplicationNotifier
	managerCB    ManagerCallback

	events chan Event

	mu             sync.Mutex
	state          State
	activeDeviceID *signaling.DeviceID
	connections    map[signaling.DeviceID]*connection.Connection
	parentConn     *connection.Connection
	endReasonSet   bool

	setupTimer *time.Timer

	bandwidthMode       connection.BandwidthMode
	audioLevelsInterval *time.Duration

	terminated chan struct{}
}

// New constructs a Call in NotYetStarted. Run must be called to begin
// processing events.
func New(
	callID signaling.CallID,
	peerID string,
	direction signaling.Direction,
	localDeviceID signaling.DeviceID,
	offer signaling.Offer,
	mediaFactory MediaTransportFactory,
	signal SignalSender,
	app ApplicationNotifier,
	managerCB ManagerCallback,
) *Call {
	return &Call{
		CallID:        callID,
		PeerID:        peerID,
		Direction:     direction,
		LocalDeviceID: localDeviceID,
		Offer:         offer,
		mediaFactory:  mediaFactory,
		signal:        signal,
		app:           app,
		managerCB:     managerCB,
		events:        make(chan Event, 64),
		state:         StateNotYetStarted,
		connections:   make(map[signaling.DeviceID]*connection.Connection),
		terminated:    make(chan struct{}),
	}
}

// Post enqueues an event for processing by Run's goroutine.
func (c *Call) Post(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("call event queue full, dropping", "call_id", c.CallID, "event", fmt.Sprintf("%T", ev))
	}
}

// State returns the current state under lock.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveDeviceID returns the device that won forking, if any has yet.
func (c *Call) ActiveDeviceID() *signaling.DeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDeviceID
}

func (c *Call) isActiveDevice(deviceID signaling.DeviceID) bool {
	active := c.ActiveDeviceID()
	return active != nil && *active == deviceID
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Call) notify(event signaling.AppEvent) {
	if c.app != nil {
		c.app.NotifyEvent(c.CallID, event)
	}
}

// Terminated is closed once Run has finished processing a TerminateEvent.
func (c *Call) Terminated() <-chan struct{} { return c.terminated }

// Terminate posts a Terminate event and blocks until the call's own
// goroutine has processed it. Owned connections are sent a
// TerminateEvent during that processing, but Terminate does not wait
// for their goroutines to finish.
func (c *Call) Terminate() {
	c.Post(TerminateEvent{})
	<-c.terminated
}

// Run processes events serially until a TerminateEvent is handled. It is
// meant to be the body of the call's dedicated worker goroutine.
func (c *Call) Run(ctx context.Context) {
	c.setupTimer = time.AfterFunc(setupTimeout, func() { c.Post(CallTimeoutEvent{}) })
	defer c.setupTimer.Stop()

	for {
		select {
		case ev := <-c.events:
			if c.State().Terminal() {
				if _, ok := ev.(TerminateEvent); !ok {
					slog.Debug("dropping event in terminal state", "call_id", c.CallID, "event", fmt.Sprintf("%T", ev))
					continue
				}
			}
			if c.handle(ctx, ev) {
				close(c.terminated)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Call) handle(ctx context.Context, ev Event) (terminate bool) {
	switch e := ev.(type) {
	case StartCallEvent:
		c.setState(StateWaitingToProceed)
	case ProceedEvent:
		c.handleProceed(ctx, e)
	case AcceptCallEvent:
		c.handleAcceptCall(ctx)
	case SendHangupViaRtpDataToAllEvent:
		c.broadcastHangupExcept(ctx, e.Hangup, nil)
		c.endCall(signaling.AppEventEndedLocalHangup)
	case ReceivedAnswerEvent:
		c.handleReceivedAnswer(ctx, e)
	case ReceivedIceEvent:
		c.handleReceivedIce(e)
	case ReceivedHangupEvent:
		c.handleReceivedHangup(ctx, e)
	case ConnectionObserverEvent:
		c.handleConnectionObserverEvent(ctx, e.DeviceID, e.Event)
	case ConnectionObserverErrorEvent:
		c.internalError(e.Err)
	case InternalErrorEvent:
		slog.Error("call internal error", "call_id", c.CallID, "err", e.Err)
		c.endCall(signaling.AppEventEndedInternalFailure)
	case SignalingFailureEvent:
		slog.Warn("signaling send failed", "call_id", c.CallID, "err", e.Err)
		c.endCall(signaling.AppEventEndedSignalingFailure)
	case CallTimeoutEvent:
		if !c.State().Accepted() {
			c.endCall(signaling.AppEventEndedTimeout)
		}
	case SynchronizeEvent:
		close(e.Done)
	case TerminateEvent:
		c.doTerminate(ctx)
		return true
	default:
		slog.Warn("call: unhandled event type", "event", fmt.Sprintf("%T", e))
	}
	return false
}

func (c *Call) internalError(err error) {
	c.Post(InternalErrorEvent{Err: err})
}

func (c *Call) doTerminate(ctx context.Context) {
	c.setState(StateTerminating)

	c.mu.Lock()
	conns := make([]*connection.Connection, 0, len(c.connections)+1)
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	if c.parentConn != nil {
		conns = append(conns, c.parentConn)
	}
	endReasonAlreadySet := c.endReasonSet
	c.endReasonSet = true
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Post(connection.TerminateEvent{})
	}

	if !endReasonAlreadySet {
		c.notify(signaling.AppEventEndedAppDroppedCall)
	}

	c.setState(StateTerminated)
	if c.managerCB != nil {
		c.managerCB.CallConcluded(c.CallID)
	}
	_ = ctx
}

// EndCall arranges for the call to wind down with the given reason, from
// outside the call's own event loop (the registry uses this for recall
// and remote-busy handling, which span more than one Call). Only the
// first reason wins, satisfying "exactly one Ended* event per call".
func (c *Call) EndCall(reason signaling.AppEvent) {
	c.endCall(reason)
}

func (c *Call) endCall(reason signaling.AppEvent) {
	c.mu.Lock()
	alreadySet := c.endReasonSet
	if !alreadySet {
		c.endReasonSet = true
	}
	c.mu.Unlock()

	if !alreadySet {
		c.notify(reason)
	}
	c.Post(TerminateEvent{})
}

func (c *Call) newConnection(ctx context.Context, remoteDeviceID signaling.DeviceID) *connection.Connection {
	media := c.mediaFactory.NewMediaTransport(c.CallID, remoteDeviceID, c.Direction)
	obsCh := make(chan connection.ObserverEvent, 64)
	conn := connection.New(c.CallID, remoteDeviceID, c.Direction, media, &connectionSignalAdapter{call: c}, obsCh)

	c.mu.Lock()
	c.connections[remoteDeviceID] = conn
	c.mu.Unlock()

	go conn.Run(ctx)
	go c.forwardObserverEvents(ctx, remoteDeviceID, obsCh)

	c.mu.Lock()
	mode := c.bandwidthMode
	c.mu.Unlock()
	if mode != connection.BandwidthModeNormal {
		conn.Post(connection.UpdateBandwidthModeEvent{Mode: mode})
	}
	return conn
}

func (c *Call) forwardObserverEvents(ctx context.Context, deviceID signaling.DeviceID, ch <-chan connection.ObserverEvent) {
	for {
		select {
		case ev := <-ch:
			c.Post(ConnectionObserverEvent{DeviceID: deviceID, Event: ev})
		case <-ctx.Done():
			return
		}
	}
}

func (c *Call) connectionFor(deviceID signaling.DeviceID) *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections[deviceID]
}

// ConnectionFor returns the per-device Connection for deviceID, or nil if
// none exists (yet). Host platform adapters use this to route ICE and
// media callbacks, which arrive keyed by remote device, to the right
// child Connection.
func (c *Call) ConnectionFor(deviceID signaling.DeviceID) *connection.Connection {
	return c.connectionFor(deviceID)
}

// ParentConnection returns the outgoing call's anchor connection, or nil
// for an incoming call or before Proceed has run.
func (c *Call) ParentConnection() *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parentConn
}

func (c *Call) handleProceed(ctx context.Context, e ProceedEvent) {
	if c.State() != StateWaitingToProceed {
		slog.Warn("Proceed in unexpected state", "call_id", c.CallID, "state", c.State())
		return
	}

	c.mu.Lock()
	c.bandwidthMode = e.BandwidthMode
	c.audioLevelsInterval = e.AudioLevelsInterval
	c.mu.Unlock()

	switch c.Direction {
	case signaling.DirectionOutgoing:
		parentMedia := c.mediaFactory.NewMediaTransport(c.CallID, 0, c.Direction)
		obsCh := make(chan connection.ObserverEvent, 64)
		parent := connection.New(c.CallID, 0, c.Direction, parentMedia, &connectionSignalAdapter{call: c}, obsCh)
		c.mu.Lock()
		c.parentConn = parent
		c.mu.Unlock()
		go parent.Run(ctx)
		go c.forwardObserverEvents(ctx, 0, obsCh)

		c.setState(StateConnectingBeforeAccepted)
		if err := parent.StartOutgoingParent(ctx); err != nil {
			c.internalError(err)
			return
		}
		if c.signal != nil {
			if err := c.signal.SendOffer(ctx, c.PeerID, c.Offer); err != nil {
				c.internalError(err)
				return
			}
		}
	case signaling.DirectionIncoming:
		// The remote device id for an incoming call's single connection
		// is recorded by PrepareIncoming before Proceed is posted.
		c.mu.Lock()
		var only signaling.DeviceID
		for id := range c.connections {
			only = id
		}
		c.mu.Unlock()

		conn := c.newConnection(ctx, only)
		c.setState(StateConnectingBeforeAccepted)
		if err := conn.StartIncoming(ctx); err != nil {
			c.internalError(err)
			return
		}
	}
}

// PrepareIncoming registers the single remote device an incoming call's
// offer came from, ahead of Proceed. It must be called before Proceed is
// posted for an incoming call.
func (c *Call) PrepareIncoming(remoteDeviceID signaling.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections[remoteDeviceID] = nil
}

// handleAcceptCall posts Accept to the call's single connection. The
// resulting state change flows back through activateDevice once the
// connection itself reaches ConnectedAndAccepted; the local-accept app
// event is emitted here since it depends on local, not remote, intent.
func (c *Call) handleAcceptCall(ctx context.Context) {
	if c.Direction != signaling.DirectionIncoming || c.State() != StateConnectedBeforeAccepted {
		slog.Warn("AcceptCall in unexpected state", "call_id", c.CallID, "state", c.State())
		return
	}

	var conn *connection.Connection
	c.mu.Lock()
	for _, cc := range c.connections {
		conn = cc
	}
	c.mu.Unlock()
	if conn == nil {
		c.internalError(fmt.Errorf("accept call with no connection"))
		return
	}

	conn.Post(connection.AcceptEvent{})
	c.notify(signaling.AppEventLocalAccepted)
}

func (c *Call) cancelSetupTimer() {
	if c.setupTimer != nil {
		c.setupTimer.Stop()
	}
}

func (c *Call) handleReceivedAnswer(ctx context.Context, e ReceivedAnswerEvent) {
	if c.Direction != signaling.DirectionOutgoing {
		return
	}
	if c.State() == StateConnectedAndAccepted || c.State() == StateReconnectingAfterAccepted {
		slog.Debug("ignoring late-fork answer", "call_id", c.CallID, "device_id", e.SenderDeviceID)
		return
	}
	if c.connectionFor(e.SenderDeviceID) != nil {
		return
	}

	child := c.newConnection(ctx, e.SenderDeviceID)
	if err := child.StartOutgoingChild(ctx); err != nil {
		c.internalError(err)
	}
}

func (c *Call) handleReceivedIce(e ReceivedIceEvent) {
	conn := c.connectionFor(e.SenderDeviceID)
	if conn == nil {
		slog.Warn("ConnectionNotFound for received ice", "call_id", c.CallID, "device_id", e.SenderDeviceID)
		return
	}
	conn.Post(connection.ReceivedIceEvent{Candidates: e.Candidates})
}

func (c *Call) handleConnectionObserverEvent(ctx context.Context, deviceID signaling.DeviceID, ev connection.ObserverEvent) {
	switch e := ev.(type) {
	case connection.StateChangedEvent:
		c.handleConnectionStateChanged(ctx, deviceID, e.State)
	case connection.ReceivedHangupObserverEvent:
		c.Post(ReceivedHangupEvent{ReceivedHangup: e.Hangup})
	case connection.RemoteSenderStatusChangedEvent:
		if c.isActiveDevice(deviceID) {
			if e.VideoEnabled != nil {
				if *e.VideoEnabled {
					c.notify(signaling.AppEventRemoteVideoEnable)
				} else {
					c.notify(signaling.AppEventRemoteVideoDisable)
				}
			}
			if e.SharingScreen != nil {
				if *e.SharingScreen {
					c.notify(signaling.AppEventRemoteSharingScreenEnable)
				} else {
					c.notify(signaling.AppEventRemoteSharingScreenDisable)
				}
			}
		}
	case connection.IceNetworkRouteChangedObserverEvent:
		if active := c.ActiveDeviceID(); active == nil || *active == deviceID {
			if c.app != nil {
				c.app.NotifyNetworkRouteChanged(c.CallID, e.Route)
			}
		}
	case connection.AudioLevelsObserverEvent:
		if c.app != nil {
			c.app.NotifyAudioLevels(c.CallID, e.CapturedLevel, e.ReceivedLevel)
		}
	case connection.InternalErrorObserverEvent:
		c.internalError(e.Err)
	}
}

func (c *Call) handleConnectionStateChanged(ctx context.Context, deviceID signaling.DeviceID, newState connection.State) {
	switch newState {
	case connection.StateConnectedBeforeAccepted:
		if c.State() == StateConnectingBeforeAccepted {
			c.setState(StateConnectedBeforeAccepted)
			if c.Direction == signaling.DirectionOutgoing {
				c.notify(signaling.AppEventRemoteRinging)
			} else {
				c.notify(signaling.AppEventLocalRinging)
			}
		}
	case connection.StateConnectingAfterAccepted:
		// Early accept before media connects; no call-level transition
		// until the connection itself reaches ConnectedAndAccepted.
	case connection.StateConnectedAndAccepted:
		c.activateDevice(ctx, deviceID)
	case connection.StateReconnectingAfterAccepted:
		if c.isActiveDevice(deviceID) && c.State() == StateConnectedAndAccepted {
			c.setState(StateReconnectingAfterAccepted)
			c.notify(signaling.AppEventReconnecting)
		}
	case connection.StateIceFailed:
		c.endCall(signaling.AppEventEndedConnectionFailure)
	}
}

func (c *Call) activateDevice(ctx context.Context, deviceID signaling.DeviceID) {
	c.mu.Lock()
	if c.activeDeviceID != nil {
		alreadyThisOne := *c.activeDeviceID == deviceID
		c.mu.Unlock()
		if alreadyThisOne && c.State() == StateReconnectingAfterAccepted {
			c.setState(StateConnectedAndAccepted)
			c.notify(signaling.AppEventReconnected)
		}
		return
	}
	c.activeDeviceID = &deviceID
	c.mu.Unlock()
	c.cancelSetupTimer()

	c.setState(StateConnectedAndAccepted)
	if c.Direction == signaling.DirectionOutgoing {
		c.notify(signaling.AppEventRemoteAccepted)
	}

	dev := deviceID
	hangup := signaling.Hangup{Type: signaling.HangupAcceptedOnAnotherDevice, DeviceID: &dev}
	c.broadcastHangupExcept(ctx, hangup, &deviceID)
}

// broadcastHangupExcept sends hangup in-band via MRP on every connection
// other than except, and terminates those connections; a nil except
// covers all of them. The out-of-band copy is a single signaling
// broadcast to all of the peer's devices, except included.
func (c *Call) broadcastHangupExcept(ctx context.Context, hangup signaling.Hangup, except *signaling.DeviceID) {
	c.mu.Lock()
	conns := make(map[signaling.DeviceID]*connection.Connection, len(c.connections))
	for id, conn := range c.connections {
		if conn != nil {
			conns[id] = conn
		}
	}
	c.mu.Unlock()

	for id, conn := range conns {
		if except != nil && id == *except {
			continue
		}
		conn.Post(connection.SendHangupViaRtpDataEvent{Hangup: hangup})
		conn.Post(connection.TerminateEvent{})
	}

	if c.signal != nil {
		_ = c.signal.SendHangup(ctx, c.PeerID, nil, true, hangup)
	}
}

func (c *Call) handleReceivedHangup(ctx context.Context, e ReceivedHangupEvent) {
	if c.Direction == signaling.DirectionIncoming && e.Hangup.DeviceID != nil && *e.Hangup.DeviceID == c.LocalDeviceID {
		slog.Debug("ignoring hangup message originated by this device", "call_id", c.CallID)
		return
	}
	if active := c.ActiveDeviceID(); active != nil && *active != e.SenderDeviceID {
		slog.Debug("ignoring hangup from a device we aren't connected with", "call_id", c.CallID, "sender_device_id", e.SenderDeviceID)
		return
	}

	var propagate *signaling.Hangup
	appEvent := signaling.AppEventEndedRemoteHangup
	expected := true

	switch {
	case e.Hangup.Type == signaling.HangupNeedPermission && c.Direction == signaling.DirectionOutgoing:
		dev := e.SenderDeviceID
		h := signaling.Hangup{Type: signaling.HangupNeedPermission, DeviceID: &dev}
		propagate = &h
		appEvent = signaling.AppEventEndedRemoteHangupNeedPermission
	case e.Hangup.Type == signaling.HangupNormal && c.Direction == signaling.DirectionIncoming:
		// No propagation, no override.
	case e.Hangup.Type == signaling.HangupNormal && c.Direction == signaling.DirectionOutgoing:
		dev := e.SenderDeviceID
		h := signaling.Hangup{Type: signaling.HangupDeclinedOnAnotherDevice, DeviceID: &dev}
		propagate = &h
	case e.Hangup.Type == signaling.HangupAcceptedOnAnotherDevice && c.Direction == signaling.DirectionIncoming:
		appEvent = signaling.AppEventEndedRemoteHangupAccepted
	case e.Hangup.Type == signaling.HangupDeclinedOnAnotherDevice && c.Direction == signaling.DirectionIncoming:
		appEvent = signaling.AppEventEndedRemoteHangupDeclined
	case e.Hangup.Type == signaling.HangupBusyOnAnotherDevice && c.Direction == signaling.DirectionIncoming:
		appEvent = signaling.AppEventEndedRemoteHangupBusy
	default:
		expected = false
	}

	if !expected {
		slog.Warn("unexpected received hangup combination", "call_id", c.CallID, "hangup_type", e.Hangup.Type, "direction", c.Direction)
	}

	if propagate != nil && c.Direction == signaling.DirectionOutgoing && !c.State().Terminal() {
		c.broadcastHangupExcept(ctx, *propagate, &e.SenderDeviceID)
	}

	c.endCall(appEvent)
}
