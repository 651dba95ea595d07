// Package pionrtc is a reference connection.MediaTransport backed by a
// real pion/webrtc PeerConnection: ICE candidate plumbing (with
// buffering until the remote description lands), a bundled
// DataChannel carrying MRP control traffic, and network-route
// derivation from the selected ICE candidate pair. Local audio/video
// capture and encoding are out of scope (the host attaches its own
// tracks via PeerConnection(), which this type exposes); this adapter
// owns signaling/negotiation plumbing only.
package pionrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/signaling"
)

const dataChannelLabel = "mrp-control"

// Transport is a pion/webrtc-backed connection.MediaTransport.
type Transport struct {
	callID         signaling.CallID
	remoteDeviceID signaling.DeviceID
	direction      signaling.Direction
	signal         connection.SignalSender

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	dataChannel   *webrtc.DataChannel
	remoteSet     bool
	pendingICE    []webrtc.ICECandidateInit
	outgoingAudio bool
	outgoingVideo bool
	onData        func([]byte)
}

var _ connection.MediaTransport = (*Transport)(nil)

// New creates a Transport for one remote device of one call. signal is
// used to relay locally-gathered ICE candidates out-of-band.
func New(callID signaling.CallID, remoteDeviceID signaling.DeviceID, direction signaling.Direction, signal connection.SignalSender) (*Transport, error) {
	settingEngine := webrtc.SettingEngine{}
	// Calls never run over Wi-Fi Direct/link-local IPv6; restricting the
	// candidate-gathering network types avoids wasting an ICE cycle on
	// interfaces that can never reach a remote device.
	settingEngine.SetNetworkTypes([]ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("pionrtc: new peer connection: %w", err)
	}

	t := &Transport{
		callID:         callID,
		remoteDeviceID: remoteDeviceID,
		direction:      direction,
		signal:         signal,
		pc:             pc,
		outgoingAudio:  true,
		outgoingVideo:  true,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.sendLocalCandidate(init)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Debug("pionrtc: connection state changed", "call_id", callID, "remote_device_id", remoteDeviceID, "state", state)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.bindDataChannel(dc)
	})

	return t, nil
}

// PeerConnection exposes the underlying pion PeerConnection so the host
// can attach local media tracks; this adapter does not capture audio or
// video itself.
func (t *Transport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// SetOnData registers the callback invoked with each raw message
// received on the control data channel. The host is expected to decode
// it into an mrp.Header/signaling.ControlMessage pair and feed it to
// the owning Connection's HandleIncomingRtpData.
func (t *Transport) SetOnData(f func([]byte)) {
	t.mu.Lock()
	t.onData = f
	t.mu.Unlock()
}

func (t *Transport) bindDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dataChannel = dc
	t.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		onData := t.onData
		t.mu.Unlock()
		if onData != nil {
			onData(msg.Data)
		}
	})
}

func (t *Transport) sendLocalCandidate(init webrtc.ICECandidateInit) {
	if t.signal == nil {
		return
	}
	sdpMLineIndex := uint16(0)
	if init.SDPMLineIndex != nil {
		sdpMLineIndex = *init.SDPMLineIndex
	}
	candidate := signaling.IceCandidate{Opaque: encodeCandidate(init.Candidate, sdpMLineIndex)}
	if err := t.signal.SendIce(context.Background(), t.remoteDeviceID, []signaling.IceCandidate{candidate}); err != nil {
		slog.Debug("pionrtc: send ice candidate failed", "call_id", t.callID, "remote_device_id", t.remoteDeviceID, "err", err)
	}
}

// StartOutgoingParent creates the offer-side PeerConnection's data
// channel and begins local ICE gathering.
func (t *Transport) StartOutgoingParent(ctx context.Context) error {
	dc, err := t.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("pionrtc: create data channel: %w", err)
	}
	t.bindDataChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("pionrtc: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("pionrtc: set local description: %w", err)
	}
	return nil
}

// StartOutgoingChild mirrors StartOutgoingParent for a forked device:
// each forked Connection gets its own PeerConnection, so the setup is
// identical from this adapter's point of view.
func (t *Transport) StartOutgoingChild(ctx context.Context) error {
	return t.StartOutgoingParent(ctx)
}

// StartIncoming prepares to receive an offer; the data channel for an
// incoming connection arrives via OnDataChannel instead of being
// created locally.
func (t *Transport) StartIncoming(ctx context.Context) error {
	return nil
}

// SetBandwidthMode applies an outbound bitrate ceiling to every
// outgoing RTP sender's encoding parameters.
func (t *Transport) SetBandwidthMode(ctx context.Context, mode connection.BandwidthMode, outgoingCeilingBps uint64) error {
	for _, sender := range t.pc.GetSenders() {
		params := sender.GetParameters()
		for i := range params.Encodings {
			params.Encodings[i].MaxBitrate = outgoingCeilingBps
		}
		if err := sender.SetParameters(params); err != nil {
			slog.Debug("pionrtc: set encoding parameters failed", "call_id", t.callID, "err", err)
		}
	}
	return nil
}

// AcceptLocally is a no-op for this adapter: nothing about the
// PeerConnection changes when the local user accepts, only the higher
// FSM layers do.
func (t *Transport) AcceptLocally(ctx context.Context) error {
	return nil
}

// EnableMedia is a no-op placeholder: attaching encoded tracks is the
// host's responsibility via PeerConnection().
func (t *Transport) EnableMedia(ctx context.Context) error {
	return nil
}

// SendData writes one message on the bundled control data channel.
func (t *Transport) SendData(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	dc := t.dataChannel
	t.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("pionrtc: data channel not yet open")
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("pionrtc: data channel not open (state %s)", dc.ReadyState())
	}
	return dc.Send(payload)
}

// NetworkRoute derives relayed-vs-direct from the active ICE candidate
// pair's local candidate type.
func (t *Transport) NetworkRoute() signaling.NetworkRoute {
	stats := t.pc.SCTP()
	if stats == nil {
		return signaling.NetworkRoute{}
	}
	transport := stats.Transport()
	if transport == nil {
		return signaling.NetworkRoute{}
	}
	iceTransport := transport.ICETransport()
	if iceTransport == nil {
		return signaling.NetworkRoute{}
	}
	pair, err := iceTransport.GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return signaling.NetworkRoute{}
	}
	return signaling.NetworkRoute{Relayed: pair.Local.Typ == webrtc.ICECandidateTypeRelay}
}

// SetOutgoingAudioEnabled records the desired state; actually muting a
// live track is the host's responsibility since this adapter does not
// own track capture.
func (t *Transport) SetOutgoingAudioEnabled(enabled bool) {
	t.mu.Lock()
	t.outgoingAudio = enabled
	t.mu.Unlock()
}

// SetOutgoingVideoEnabled records the desired state; see
// SetOutgoingAudioEnabled.
func (t *Transport) SetOutgoingVideoEnabled(enabled bool) {
	t.mu.Lock()
	t.outgoingVideo = enabled
	t.mu.Unlock()
}

// Close tears down the PeerConnection.
func (t *Transport) Close() error {
	return t.pc.Close()
}

// SetRemoteOffer applies a remote offer, flushes any ICE candidates
// that arrived before it, and returns the local answer to signal back.
func (t *Transport) SetRemoteOffer(ctx context.Context, remoteSDP string) (string, error) {
	logMediaSectionCount(t.callID, remoteSDP)
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}); err != nil {
		return "", fmt.Errorf("pionrtc: set remote offer: %w", err)
	}
	t.flushPendingICE()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("pionrtc: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("pionrtc: set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteAnswer applies a remote answer and flushes buffered ICE.
func (t *Transport) SetRemoteAnswer(ctx context.Context, remoteSDP string) error {
	logMediaSectionCount(t.callID, remoteSDP)
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteSDP}); err != nil {
		return fmt.Errorf("pionrtc: set remote answer: %w", err)
	}
	t.flushPendingICE()
	return nil
}

// AddRemoteIceCandidate adds one remote candidate, buffering it if the
// remote description hasn't been set yet.
func (t *Transport) AddRemoteIceCandidate(candidate signaling.IceCandidate) error {
	candidateSDP, sdpMLineIndex := decodeCandidate(candidate.Opaque)
	init := webrtc.ICECandidateInit{Candidate: candidateSDP, SDPMLineIndex: &sdpMLineIndex}

	t.mu.Lock()
	if !t.remoteSet {
		t.pendingICE = append(t.pendingICE, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.pc.AddICECandidate(init)
}

func (t *Transport) flushPendingICE() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingICE
	t.pendingICE = nil
	t.mu.Unlock()

	for _, init := range pending {
		if err := t.pc.AddICECandidate(init); err != nil {
			slog.Debug("pionrtc: add buffered ice candidate failed", "call_id", t.callID, "err", err)
		}
	}
}

// encodeCandidate/decodeCandidate give the opaque signaling.IceCandidate
// bytes a concrete (and trivially reversible) shape: "<mline>|<sdp>".
func encodeCandidate(candidateSDP string, sdpMLineIndex uint16) []byte {
	return []byte(fmt.Sprintf("%d|%s", sdpMLineIndex, candidateSDP))
}

func decodeCandidate(opaque []byte) (candidateSDP string, sdpMLineIndex uint16) {
	s := string(opaque)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			fmt.Sscanf(s[:i], "%d", &sdpMLineIndex)
			return s[i+1:], sdpMLineIndex
		}
	}
	return s, 0
}

// logMediaSectionCount parses the remote session description with
// pion/sdp and logs how many media sections it carries, as a cheap
// sanity check before handing the raw string to pion/webrtc.
func logMediaSectionCount(callID signaling.CallID, rawSDP string) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(rawSDP)); err != nil {
		slog.Debug("pionrtc: remote sdp failed to parse for diagnostics", "call_id", callID, "err", err)
		return
	}
	slog.Debug("pionrtc: applying remote session description", "call_id", callID, "media_sections", len(parsed.MediaDescriptions))
}
