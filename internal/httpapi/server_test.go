package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signalapp/callcore/internal/callmanager"
	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/ring"
	"github.com/signalapp/callcore/internal/signaling"
)

type fakeMedia struct{}

func (fakeMedia) StartOutgoingParent(context.Context) error { return nil }
func (fakeMedia) StartOutgoingChild(context.Context) error  { return nil }
func (fakeMedia) StartIncoming(context.Context) error       { return nil }
func (fakeMedia) SetBandwidthMode(context.Context, connection.BandwidthMode, uint64) error {
	return nil
}
func (fakeMedia) AcceptLocally(context.Context) error    { return nil }
func (fakeMedia) EnableMedia(context.Context) error      { return nil }
func (fakeMedia) SendData(context.Context, []byte) error { return nil }
func (fakeMedia) NetworkRoute() signaling.NetworkRoute    { return signaling.NetworkRoute{} }
func (fakeMedia) SetOutgoingAudioEnabled(bool)            {}
func (fakeMedia) SetOutgoingVideoEnabled(bool)            {}
func (fakeMedia) Close() error                            { return nil }

type fakeMediaFactory struct{}

func (fakeMediaFactory) NewMediaTransport(signaling.CallID, signaling.DeviceID, signaling.Direction) connection.MediaTransport {
	return fakeMedia{}
}

type fakeSignal struct{}

func (fakeSignal) SendOffer(context.Context, string, signaling.Offer) error { return nil }
func (fakeSignal) SendAnswer(context.Context, string, signaling.DeviceID, signaling.Answer) error {
	return nil
}
func (fakeSignal) SendIce(context.Context, string, signaling.DeviceID, []signaling.IceCandidate) error {
	return nil
}
func (fakeSignal) SendHangup(context.Context, string, *signaling.DeviceID, bool, signaling.Hangup) error {
	return nil
}
func (fakeSignal) SendBusy(context.Context, string, signaling.DeviceID) error { return nil }

type fakeApp struct{}

func (fakeApp) NotifyEvent(signaling.CallID, signaling.AppEvent)                    {}
func (fakeApp) NotifyNetworkRouteChanged(signaling.CallID, signaling.NetworkRoute)  {}
func (fakeApp) NotifyAudioLevels(signaling.CallID, uint16, uint16)                  {}

func TestHealthAndCalls(t *testing.T) {
	manager := callmanager.New(1, fakeMediaFactory{}, fakeSignal{}, fakeApp{})
	if _, err := manager.CreateOutgoingCall("bob", signaling.CallMediaTypeAudio, []byte("offer")); err != nil {
		t.Fatalf("create outgoing call: %v", err)
	}

	api := New(manager, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Calls != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	callsResp, err := http.Get(ts.URL + "/api/calls")
	if err != nil {
		t.Fatalf("GET /api/calls: %v", err)
	}
	defer callsResp.Body.Close()
	if callsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/calls, got %d", callsResp.StatusCode)
	}
	var calls callsResponse
	if err := json.NewDecoder(callsResp.Body).Decode(&calls); err != nil {
		t.Fatalf("decode calls: %v", err)
	}
	if len(calls.Calls) != 1 {
		t.Fatalf("expected 1 call, got %#v", calls.Calls)
	}
	if calls.Calls[0].PeerID != "bob" || calls.Calls[0].Direction != "Outgoing" {
		t.Fatalf("unexpected call summary: %#v", calls.Calls[0])
	}
}

func TestRingsEmptyWithoutACoordinator(t *testing.T) {
	manager := callmanager.New(1, fakeMediaFactory{}, fakeSignal{}, fakeApp{})
	api := New(manager, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rings")
	if err != nil {
		t.Fatalf("GET /api/rings: %v", err)
	}
	defer resp.Body.Close()
	var rings ringsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rings); err != nil {
		t.Fatalf("decode rings: %v", err)
	}
	if len(rings.Rings) != 0 {
		t.Fatalf("expected no rings, got %#v", rings.Rings)
	}
}

func TestRingsReflectsCoordinatorState(t *testing.T) {
	manager := callmanager.New(1, fakeMediaFactory{}, fakeSignal{}, fakeApp{})
	coordinator := ring.New("alice-uuid", manager, nil, noopNotifier{})

	coordinator.ReceivedCallMessage(signaling.ReceivedCallMessage{
		SenderUUID:    "carol-uuid",
		SenderDeviceID: 1,
		LocalDeviceID:  1,
		Message: signaling.CallMessage{
			RingIntention: &signaling.RingIntention{GroupID: []byte{0xab}, RingID: 9, Type: signaling.RingIntentionRing},
		},
	})

	api := New(manager, coordinator)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rings")
	if err != nil {
		t.Fatalf("GET /api/rings: %v", err)
	}
	defer resp.Body.Close()
	var rings ringsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rings); err != nil {
		t.Fatalf("decode rings: %v", err)
	}
	if len(rings.Rings) != 1 || rings.Rings[0].GroupID != "ab" || rings.Rings[0].RingID != 9 {
		t.Fatalf("unexpected rings payload: %#v", rings.Rings)
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyRingUpdate([]byte, int64, signaling.RingUpdate) {}
