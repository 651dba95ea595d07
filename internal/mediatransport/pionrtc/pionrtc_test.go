package pionrtc

import (
	"context"
	"testing"

	"github.com/signalapp/callcore/internal/signaling"
)

type fakeSignal struct {
	sent []signaling.IceCandidate
}

func (f *fakeSignal) SendIce(ctx context.Context, remoteDeviceID signaling.DeviceID, candidates []signaling.IceCandidate) error {
	f.sent = append(f.sent, candidates...)
	return nil
}

func (f *fakeSignal) SendHangup(ctx context.Context, remoteDeviceID signaling.DeviceID, hangup signaling.Hangup) error {
	return nil
}

func TestCandidateRoundTrip(t *testing.T) {
	cases := []struct {
		sdp   string
		mline uint16
	}{
		{"candidate:1 1 UDP 2122260223 10.0.0.1 5000 typ host", 0},
		{"candidate:2 1 UDP 1685987071 203.0.113.1 5001 typ srflx", 3},
	}
	for _, tc := range cases {
		opaque := encodeCandidate(tc.sdp, tc.mline)
		sdp, mline := decodeCandidate(opaque)
		if sdp != tc.sdp || mline != tc.mline {
			t.Fatalf("round trip mismatch: got (%q, %d), want (%q, %d)", sdp, mline, tc.sdp, tc.mline)
		}
	}
}

func TestNewCreatesAUsablePeerConnection(t *testing.T) {
	signal := &fakeSignal{}
	transport, err := New(1, 7, signaling.DirectionOutgoing, signal)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer transport.Close()

	if transport.PeerConnection() == nil {
		t.Fatal("expected a non-nil PeerConnection")
	}
}

func TestAddRemoteIceCandidateBuffersUntilRemoteDescriptionSet(t *testing.T) {
	signal := &fakeSignal{}
	transport, err := New(1, 7, signaling.DirectionOutgoing, signal)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer transport.Close()

	candidate := signaling.IceCandidate{Opaque: encodeCandidate("candidate:1 1 UDP 2122260223 10.0.0.1 5000 typ host", 0)}
	if err := transport.AddRemoteIceCandidate(candidate); err != nil {
		t.Fatalf("AddRemoteIceCandidate before remote description: %v", err)
	}

	transport.mu.Lock()
	buffered := len(transport.pendingICE)
	transport.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected the candidate to be buffered, got %d pending", buffered)
	}
}

func TestSendDataFailsBeforeDataChannelOpens(t *testing.T) {
	signal := &fakeSignal{}
	transport, err := New(1, 7, signaling.DirectionOutgoing, signal)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer transport.Close()

	if err := transport.SendData(context.Background(), []byte("hello")); err == nil {
		t.Fatal("expected SendData to fail before any data channel is bound")
	}
}

func TestStartOutgoingParentBindsDataChannel(t *testing.T) {
	signal := &fakeSignal{}
	transport, err := New(1, 7, signaling.DirectionOutgoing, signal)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer transport.Close()

	received := make(chan []byte, 1)
	transport.SetOnData(func(data []byte) { received <- data })

	if err := transport.StartOutgoingParent(context.Background()); err != nil {
		t.Fatalf("StartOutgoingParent: %v", err)
	}

	transport.mu.Lock()
	dc := transport.dataChannel
	transport.mu.Unlock()
	if dc == nil {
		t.Fatal("expected StartOutgoingParent to bind a data channel")
	}
}
