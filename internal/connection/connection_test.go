package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalapp/callcore/internal/signaling"
)

type fakeMedia struct {
	mu      sync.Mutex
	sent    [][]byte
	route   signaling.NetworkRoute
	accepts int
	enables int
}

func (f *fakeMedia) StartOutgoingParent(context.Context) error { return nil }
func (f *fakeMedia) StartOutgoingChild(context.Context) error  { return nil }
func (f *fakeMedia) StartIncoming(context.Context) error       { return nil }
func (f *fakeMedia) SetBandwidthMode(context.Context, BandwidthMode, uint64) error {
	return nil
}
func (f *fakeMedia) AcceptLocally(context.Context) error {
	f.mu.Lock()
	f.accepts++
	f.mu.Unlock()
	return nil
}
func (f *fakeMedia) EnableMedia(context.Context) error {
	f.mu.Lock()
	f.enables++
	f.mu.Unlock()
	return nil
}
func (f *fakeMedia) SendData(_ context.Context, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	return nil
}
func (f *fakeMedia) NetworkRoute() signaling.NetworkRoute { return f.route }
func (f *fakeMedia) SetOutgoingAudioEnabled(bool)         {}
func (f *fakeMedia) SetOutgoingVideoEnabled(bool)         {}
func (f *fakeMedia) Close() error                         { return nil }

type fakeSignal struct {
	iceSent []signaling.IceCandidate
}

func (f *fakeSignal) SendIce(_ context.Context, _ signaling.DeviceID, candidates []signaling.IceCandidate) error {
	f.iceSent = append(f.iceSent, candidates...)
	return nil
}
func (f *fakeSignal) SendHangup(context.Context, signaling.DeviceID, signaling.Hangup) error {
	return nil
}

func newTestConnection(t *testing.T) (*Connection, *fakeMedia, chan ObserverEvent) {
	t.Helper()
	media := &fakeMedia{}
	parent := make(chan ObserverEvent, 32)
	c := New(1, 1, signaling.DirectionIncoming, media, &fakeSignal{}, parent)
	return c, media, parent
}

func drainUntilState(t *testing.T, parent chan ObserverEvent, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-parent:
			if sc, ok := ev.(StateChangedEvent); ok && sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestIncomingAcceptReachesConnectedAndAccepted(t *testing.T) {
	c, media, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)

	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedBeforeAccepted, time.Second)

	c.Post(AcceptEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)

	media.mu.Lock()
	accepts := media.accepts
	sent := len(media.sent)
	media.mu.Unlock()
	if accepts != 1 {
		t.Fatalf("expected exactly one local accept, got %d", accepts)
	}
	if sent == 0 {
		t.Fatal("expected an Accepted control message to have been sent")
	}
}

func TestEarlyAcceptBeforeMediaConnectsThenCatchesUp(t *testing.T) {
	c, media, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)

	c.Post(ReceivedAcceptedViaRtpDataEvent{CallID: 1})
	drainUntilState(t, parent, StateConnectingAfterAccepted, time.Second)

	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)

	_ = media
}

func TestReconnectRoundTrip(t *testing.T) {
	c, _, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)
	c.Post(ReceivedAcceptedViaRtpDataEvent{CallID: 1})
	drainUntilState(t, parent, StateConnectingAfterAccepted, time.Second)
	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)

	c.Post(IceDisconnectedEvent{})
	drainUntilState(t, parent, StateReconnectingAfterAccepted, time.Second)

	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)
}

func TestDuplicateAcceptedViaRtpDataIsIdempotent(t *testing.T) {
	c, media, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)
	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedBeforeAccepted, time.Second)
	c.Post(AcceptEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)

	// A retransmitted Accepted after the call is already live must not
	// be observable as a state change.
	c.Post(ReceivedAcceptedViaRtpDataEvent{CallID: 1})

	sync := make(chan struct{})
	c.Post(SynchronizeEvent{Done: sync})
	select {
	case <-sync:
	case <-time.After(time.Second):
		t.Fatal("synchronize never completed")
	}

	if got := c.State(); got != StateConnectedAndAccepted {
		t.Fatalf("state = %v, want ConnectedAndAccepted", got)
	}
	_ = media
}

func TestLocalSendThenRemoteReceiveOnSameConnection(t *testing.T) {
	c, _, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)
	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedBeforeAccepted, time.Second)
	c.Post(AcceptEvent{})
	drainUntilState(t, parent, StateConnectedAndAccepted, time.Second)

	// Advance our own outbound sender-status counter several times. If
	// the outbound counter and the remote-dedup counter shared one
	// field, this would push the dedup threshold ahead of any seqnum
	// the (independently-numbered) remote peer could plausibly send.
	videoEnabled := true
	for i := 0; i < 3; i++ {
		c.Post(UpdateSenderStatusEvent{VideoEnabled: &videoEnabled})
	}

	sync := make(chan struct{})
	c.Post(SynchronizeEvent{Done: sync})
	select {
	case <-sync:
	case <-time.After(time.Second):
		t.Fatal("synchronize never completed")
	}

	// The remote peer's own independent seqnum sequence starts at 1,
	// which is below our local send count above; it must still be
	// accepted as fresh rather than dropped as stale.
	remoteVideoEnabled := false
	c.Post(ReceivedSenderStatusViaRtpDataEvent{
		CallID: 1,
		Status: signaling.SenderStatusMessage{VideoEnabled: &remoteVideoEnabled},
		Seqnum: 1,
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-parent:
			if rs, ok := ev.(RemoteSenderStatusChangedEvent); ok {
				if rs.VideoEnabled == nil || *rs.VideoEnabled {
					t.Fatalf("unexpected remote status: %#v", rs)
				}
				return
			}
		case <-deadline:
			t.Fatal("remote sender status was dropped as stale after local sends advanced the outbound counter")
		}
	}
}

func TestTerminateClosesTerminatedChannel(t *testing.T) {
	c, _, _ := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Post(TerminateEvent{})
	select {
	case <-c.Terminated():
	case <-time.After(time.Second):
		t.Fatal("connection never terminated")
	}
	if got := c.State(); got != StateTerminated {
		t.Fatalf("state = %v, want Terminated", got)
	}
}

func TestStatusCachedUntilAcceptedThenReplayed(t *testing.T) {
	c, _, parent := newTestConnection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.StartIncoming(ctx); err != nil {
		t.Fatalf("start incoming: %v", err)
	}
	drainUntilState(t, parent, StateConnectingBeforeAccepted, time.Second)

	videoEnabled := true
	c.Post(ReceivedSenderStatusViaRtpDataEvent{
		CallID: 1,
		Status: signaling.SenderStatusMessage{VideoEnabled: &videoEnabled},
		Seqnum: 1,
	})

	c.Post(IceConnectedEvent{})
	drainUntilState(t, parent, StateConnectedBeforeAccepted, time.Second)
	c.Post(AcceptEvent{})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-parent:
			if rs, ok := ev.(RemoteSenderStatusChangedEvent); ok {
				if rs.VideoEnabled == nil || !*rs.VideoEnabled {
					t.Fatalf("unexpected replayed status: %#v", rs)
				}
				return
			}
		case <-deadline:
			t.Fatal("cached sender status was never replayed after acceptance")
		}
	}
}
