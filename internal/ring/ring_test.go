package ring

import (
	"context"
	"sync"
	"testing"

	"github.com/signalapp/callcore/internal/signaling"
)

type fakeBusy struct{ busy bool }

func (f fakeBusy) LocalDeviceBusy() bool { return f.busy }

type fakeSender struct {
	mu   sync.Mutex
	sent []signaling.CallMessage
}

func (f *fakeSender) SendCallMessage(_ context.Context, _ string, _ *signaling.DeviceID, msg signaling.CallMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []signaling.RingUpdate
}

func (f *fakeNotifier) NotifyRingUpdate(_ []byte, _ int64, update signaling.RingUpdate) {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	f.mu.Unlock()
}

func (f *fakeNotifier) has(want signaling.RingUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.updates {
		if u == want {
			return true
		}
	}
	return false
}

func groupID() []byte { return []byte("group-1") }

func TestRingIntentionRequestedWhenIdle(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	})

	if !notifier.has(signaling.RingUpdateRequested) {
		t.Fatal("expected Requested update")
	}
	if !c.IsActive(groupID(), 1) {
		t.Fatal("expected the ring to be tracked")
	}
}

func TestRingIntentionDuplicateDropped(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)
	msg := signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	}

	c.ReceivedCallMessage(msg)
	c.ReceivedCallMessage(msg)

	notifier.mu.Lock()
	count := 0
	for _, u := range notifier.updates {
		if u == signaling.RingUpdateRequested {
			count++
		}
	}
	notifier.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one Requested update, got %d", count)
	}
}

func TestRingIntentionExpiredByAge(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
		AgeSeconds: 31,
	})

	if !notifier.has(signaling.RingUpdateExpiredRequest) {
		t.Fatal("expected ExpiredRequest update")
	}
	if c.IsActive(groupID(), 1) {
		t.Fatal("an expired ring must not be tracked")
	}
}

func TestRingIntentionBusyLocallyRespondsWithoutTrackingOrRinging(t *testing.T) {
	notifier := &fakeNotifier{}
	sender := &fakeSender{}
	c := New("self-uuid", fakeBusy{busy: true}, sender, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	})

	if !notifier.has(signaling.RingUpdateBusyLocally) {
		t.Fatal("expected BusyLocally update")
	}
	if notifier.has(signaling.RingUpdateRequested) {
		t.Fatal("a locally-busy ring must never surface as Requested")
	}
	if c.IsActive(groupID(), 1) {
		t.Fatal("a locally-busy ring must not be tracked")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].RingResponse == nil || sender.sent[0].RingResponse.Type != signaling.RingResponseBusy {
		t.Fatalf("expected a self-addressed Busy response, got %+v", sender.sent)
	}
}

func TestRingIntentionCancelledRemovesEntry(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	})
	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionCancelled},
		},
	})

	if !notifier.has(signaling.RingUpdateCancelledByRinger) {
		t.Fatal("expected CancelledByRinger update")
	}
	if c.IsActive(groupID(), 1) {
		t.Fatal("a cancelled ring must no longer be tracked")
	}
}

func TestRingResponseFromOwnOtherDeviceRemovesEntryAndSurfacesOnAnotherDevice(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	})

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID:     "self-uuid",
		SenderDeviceID: 2,
		LocalDeviceID:  1,
		Message: signaling.CallMessage{
			RingResponse: &signaling.RingResponse{GroupID: groupID(), RingID: 1, Type: signaling.RingResponseAccepted},
		},
	})

	if !notifier.has(signaling.RingUpdateAcceptedOnAnotherDevice) {
		t.Fatal("expected AcceptedOnAnotherDevice update")
	}
	if c.IsActive(groupID(), 1) {
		t.Fatal("accepting on another device must remove the local entry")
	}
}

func TestRingResponseFromOtherUserIgnored(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "caller-uuid",
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: groupID(), RingID: 1, Type: signaling.RingIntentionRing},
		},
	})

	c.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID: "some-other-group-member",
		Message: signaling.CallMessage{
			RingResponse: &signaling.RingResponse{GroupID: groupID(), RingID: 1, Type: signaling.RingResponseAccepted},
		},
	})

	if !c.IsActive(groupID(), 1) {
		t.Fatal("a response from another group member must not affect this device's own ring table")
	}
}

func TestRespondLocallyRejectsUnknownRing(t *testing.T) {
	notifier := &fakeNotifier{}
	c := New("self-uuid", fakeBusy{busy: false}, &fakeSender{}, notifier)

	if err := c.RespondLocally(context.Background(), groupID(), 1, signaling.RingResponseAccepted); err == nil {
		t.Fatal("expected RespondLocally to reject a ring id that was never requested")
	}
}
