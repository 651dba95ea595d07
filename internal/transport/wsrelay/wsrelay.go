// Package wsrelay is a reference signaling transport: it multiplexes
// one websocket connection per (peer, device) over a single Echo route
// and implements call.SignalSender by looking up the right socket and
// writing a JSON envelope to it. It is one concrete implementation of
// the signaling port the call core depends on, not the only one a host
// could use.
package wsrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/signalapp/callcore/internal/call"
	"github.com/signalapp/callcore/internal/callmanager"
	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/signaling"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

// envelopeType tags which field of envelope is populated.
type envelopeType string

const (
	envelopeOffer       envelopeType = "offer"
	envelopeAnswer      envelopeType = "answer"
	envelopeIce         envelopeType = "ice"
	envelopeHangup      envelopeType = "hangup"
	envelopeBusy        envelopeType = "busy"
	envelopeCallMessage envelopeType = "call_message"
)

// envelope is the flat JSON wire message exchanged over the relay,
// following the teacher's own single-flat-struct convention for its
// websocket protocol messages.
type envelope struct {
	Type      envelopeType              `json:"type"`
	CallID    signaling.CallID          `json:"call_id,omitempty"`
	DeviceID  *signaling.DeviceID       `json:"device_id,omitempty"`
	Broadcast bool                      `json:"broadcast,omitempty"`
	Offer     *signaling.ReceivedOffer  `json:"offer,omitempty"`
	Answer    *signaling.ReceivedAnswer `json:"answer,omitempty"`
	Ice       *signaling.ReceivedIce    `json:"ice,omitempty"`
	Hangup    *signaling.ReceivedHangup `json:"hangup,omitempty"`
	Busy      *signaling.ReceivedBusy   `json:"busy,omitempty"`
	Message   *signaling.CallMessage    `json:"message,omitempty"`
}

// peerConn is one live socket for one (peer, device) pair.
type peerConn struct {
	conn *websocket.Conn
	send chan envelope
}

// Relay owns the websocket upgrade route and the peer/device registry,
// and dispatches inbound envelopes into a callmanager.Manager.
type Relay struct {
	upgrader websocket.Upgrader
	manager  *callmanager.Manager

	mu    sync.RWMutex
	conns map[string]map[signaling.DeviceID]*peerConn
}

// SetManager wires the manager inbound envelopes dispatch into. It
// exists for hosts that must construct the Relay before the Manager,
// since the Manager's SignalSender is the Relay itself; call it once,
// before Register, never concurrently with serving traffic.
func (r *Relay) SetManager(manager *callmanager.Manager) {
	r.manager = manager
}

// New returns a Relay that dispatches inbound signaling into manager.
// Pass nil and call SetManager later when the Manager can't exist yet
// (it needs this Relay as its SignalSender).
func New(manager *callmanager.Manager) *Relay {
	return &Relay{
		manager: manager,
		conns:   make(map[string]map[signaling.DeviceID]*peerConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the relay's upgrade route on an Echo router.
func (r *Relay) Register(e *echo.Echo) {
	e.GET("/ws/:peerId/:deviceId", r.handleUpgrade)
}

func (r *Relay) handleUpgrade(c echo.Context) error {
	peerID := c.Param("peerId")
	deviceIDNum, err := strconv.ParseUint(c.Param("deviceId"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid device id")
	}
	deviceID := signaling.DeviceID(deviceIDNum)

	ws, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("wsrelay: upgrade failed", "peer_id", peerID, "err", err)
		return fmt.Errorf("wsrelay: upgrade: %w", err)
	}
	r.serve(ws, peerID, deviceID)
	return nil
}

func (r *Relay) serve(ws *websocket.Conn, peerID string, deviceID signaling.DeviceID) {
	defer ws.Close()

	pc := &peerConn{conn: ws, send: make(chan envelope, sendBuffer)}
	r.register(peerID, deviceID, pc)
	defer r.unregister(peerID, deviceID, pc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range pc.send {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(e); err != nil {
				slog.Debug("wsrelay: write failed", "peer_id", peerID, "device_id", deviceID, "err", err)
				return
			}
		}
	}()

	for {
		var in envelope
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("wsrelay: unexpected close", "peer_id", peerID, "device_id", deviceID, "err", err)
			}
			break
		}
		r.dispatch(peerID, deviceID, in)
	}

	close(pc.send)
	<-done
}

func (r *Relay) register(peerID string, deviceID signaling.DeviceID, pc *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[peerID] == nil {
		r.conns[peerID] = make(map[signaling.DeviceID]*peerConn)
	}
	r.conns[peerID][deviceID] = pc
	slog.Info("wsrelay: device connected", "peer_id", peerID, "device_id", deviceID)
}

func (r *Relay) unregister(peerID string, deviceID signaling.DeviceID, pc *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byDevice, ok := r.conns[peerID]; ok && byDevice[deviceID] == pc {
		delete(byDevice, deviceID)
		if len(byDevice) == 0 {
			delete(r.conns, peerID)
		}
	}
	slog.Info("wsrelay: device disconnected", "peer_id", peerID, "device_id", deviceID)
}

// dispatch routes one inbound envelope into the call manager. The
// envelope's call_id is passed through as is; for an offer it becomes
// the id of the incoming call the manager creates.
func (r *Relay) dispatch(peerID string, senderDeviceID signaling.DeviceID, e envelope) {
	var err error
	switch e.Type {
	case envelopeOffer:
		if e.Offer == nil {
			return
		}
		_, err = r.manager.ReceivedOffer(peerID, e.CallID, senderDeviceID, *e.Offer)
	case envelopeAnswer:
		if e.Answer == nil {
			return
		}
		err = r.manager.ReceivedAnswer(e.CallID, *e.Answer)
	case envelopeIce:
		if e.Ice == nil {
			return
		}
		err = r.manager.ReceivedIce(e.CallID, *e.Ice)
	case envelopeHangup:
		if e.Hangup == nil {
			return
		}
		err = r.manager.ReceivedHangup(e.CallID, *e.Hangup)
	case envelopeBusy:
		if e.Busy == nil {
			return
		}
		err = r.manager.ReceivedBusy(e.CallID, *e.Busy)
	case envelopeCallMessage:
		if e.Message == nil {
			return
		}
		r.manager.ReceivedCallMessage(signaling.ReceivedCallMessage{
			SenderUUID:     peerID,
			SenderDeviceID: senderDeviceID,
			Message:        *e.Message,
		})
	default:
		slog.Warn("wsrelay: unknown envelope type", "type", e.Type, "peer_id", peerID)
		return
	}
	if err != nil {
		slog.Debug("wsrelay: dispatch failed", "type", e.Type, "peer_id", peerID, "call_id", e.CallID, "err", err)
	}
}

// sendTo writes one envelope to a single (peer, device) socket.
func (r *Relay) sendTo(peerID string, deviceID signaling.DeviceID, e envelope) error {
	r.mu.RLock()
	pc, ok := r.conns[peerID][deviceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wsrelay: no connection for peer %s device %d", peerID, deviceID)
	}
	select {
	case pc.send <- e:
		return nil
	default:
		return fmt.Errorf("wsrelay: send buffer full for peer %s device %d", peerID, deviceID)
	}
}

// broadcastTo writes one envelope to every device currently connected
// for peerID.
func (r *Relay) broadcastTo(peerID string, e envelope) error {
	r.mu.RLock()
	byDevice := r.conns[peerID]
	targets := make([]*peerConn, 0, len(byDevice))
	for _, pc := range byDevice {
		targets = append(targets, pc)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return fmt.Errorf("wsrelay: no connections for peer %s", peerID)
	}
	for _, pc := range targets {
		select {
		case pc.send <- e:
		default:
		}
	}
	return nil
}

var _ call.SignalSender = (*Relay)(nil)

// SendOffer implements call.SignalSender.
func (r *Relay) SendOffer(_ context.Context, peerID string, offer signaling.Offer) error {
	return r.broadcastTo(peerID, envelope{Type: envelopeOffer, Offer: &signaling.ReceivedOffer{Offer: offer}})
}

// SendAnswer implements call.SignalSender.
func (r *Relay) SendAnswer(_ context.Context, peerID string, deviceID signaling.DeviceID, answer signaling.Answer) error {
	return r.sendTo(peerID, deviceID, envelope{Type: envelopeAnswer, Answer: &signaling.ReceivedAnswer{SenderDeviceID: deviceID, Answer: answer}})
}

// SendIce implements call.SignalSender.
func (r *Relay) SendIce(_ context.Context, peerID string, deviceID signaling.DeviceID, candidates []signaling.IceCandidate) error {
	return r.sendTo(peerID, deviceID, envelope{Type: envelopeIce, Ice: &signaling.ReceivedIce{SenderDeviceID: deviceID, Candidates: candidates}})
}

// SendHangup implements call.SignalSender. A nil deviceID with
// broadcast set sends to every connected device for the peer.
func (r *Relay) SendHangup(_ context.Context, peerID string, deviceID *signaling.DeviceID, broadcast bool, hangup signaling.Hangup) error {
	e := envelope{Type: envelopeHangup, Broadcast: broadcast}
	if deviceID != nil {
		e.Hangup = &signaling.ReceivedHangup{SenderDeviceID: *deviceID, Hangup: hangup}
		return r.sendTo(peerID, *deviceID, e)
	}
	e.Hangup = &signaling.ReceivedHangup{Hangup: hangup}
	return r.broadcastTo(peerID, e)
}

// SendBusy implements call.SignalSender.
func (r *Relay) SendBusy(_ context.Context, peerID string, deviceID signaling.DeviceID) error {
	return r.sendTo(peerID, deviceID, envelope{Type: envelopeBusy, Busy: &signaling.ReceivedBusy{SenderDeviceID: deviceID}})
}

// ringMessageSender mirrors ring.MessageSender's shape, so wsrelay does
// not import internal/ring. Go's structural typing lets ring's real
// interface bind to this method set at the wiring site in cmd/callcored.
type ringMessageSender interface {
	SendCallMessage(ctx context.Context, recipientUUID string, recipientDeviceID *signaling.DeviceID, msg signaling.CallMessage) error
}

var _ ringMessageSender = (*Relay)(nil)

// SendCallMessage implements ring.MessageSender so the group-ring
// coordinator can route its own self-addressed responses through the
// same relay.
func (r *Relay) SendCallMessage(_ context.Context, recipientUUID string, recipientDeviceID *signaling.DeviceID, msg signaling.CallMessage) error {
	e := envelope{Type: envelopeCallMessage, Message: &msg}
	if recipientDeviceID != nil {
		return r.sendTo(recipientUUID, *recipientDeviceID, e)
	}
	return r.broadcastTo(recipientUUID, e)
}

// connectionSignalFor is a convenience for hosts wiring a
// connection.SignalSender directly (e.g. tests), scoped to one
// (peer, device) pair.
type connectionSignalFor struct {
	relay    *Relay
	peerID   string
	deviceID signaling.DeviceID
}

var _ connection.SignalSender = (*connectionSignalFor)(nil)

func (c *connectionSignalFor) SendIce(ctx context.Context, _ signaling.DeviceID, candidates []signaling.IceCandidate) error {
	return c.relay.SendIce(ctx, c.peerID, c.deviceID, candidates)
}

func (c *connectionSignalFor) SendHangup(ctx context.Context, _ signaling.DeviceID, hangup signaling.Hangup) error {
	return c.relay.SendHangup(ctx, c.peerID, &c.deviceID, false, hangup)
}

// ConnectionSignalFor returns a connection.SignalSender scoped to one
// remote device, backed by this relay.
func (r *Relay) ConnectionSignalFor(peerID string, deviceID signaling.DeviceID) connection.SignalSender {
	return &connectionSignalFor{relay: r, peerID: peerID, deviceID: deviceID}
}

// ConnectedDeviceCount reports how many devices are connected for
// peerID.
func (r *Relay) ConnectedDeviceCount(peerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[peerID])
}
