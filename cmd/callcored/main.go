// Command callcored is a demo host process wiring the call-signaling
// core to a WebSocket signaling relay, a pion/webrtc media transport,
// and a read-only debug HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/signalapp/callcore/internal/call"
	"github.com/signalapp/callcore/internal/callmanager"
	"github.com/signalapp/callcore/internal/connection"
	"github.com/signalapp/callcore/internal/httpapi"
	"github.com/signalapp/callcore/internal/mediatransport/pionrtc"
	"github.com/signalapp/callcore/internal/ring"
	"github.com/signalapp/callcore/internal/signaling"
	"github.com/signalapp/callcore/internal/transport/wsrelay"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func main() {
	addr := flag.String("addr", ":8080", "WebSocket signaling listen address")
	debugAddr := flag.String("debug-addr", ":8081", "debug HTTP surface listen address (empty to disable)")
	localDeviceID := flag.Uint64("local-device-id", 1, "this process's device id")
	localUUID := flag.String("local-uuid", "", "this process's account uuid, for group-ring coordination (random if empty)")
	flag.Parse()

	if *localUUID == "" {
		generated := uuid.NewString()
		localUUID = &generated
	}

	relay := wsrelay.New(nil)

	app := newLoggingNotifier()

	factory := &rtcFactory{relay: relay}
	manager := callmanager.New(signaling.DeviceID(*localDeviceID), factory, relay, app)
	relay.SetManager(manager)
	factory.manager = manager

	coordinator := ring.New(*localUUID, manager, relay, newLoggingRingNotifier())
	manager.SetRingReceiver(coordinator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if *debugAddr != "" {
		api := httpapi.New(manager, coordinator)
		go func() {
			if err := api.Run(ctx, *debugAddr); err != nil {
				log.Printf("[httpapi] %v", err)
			}
		}()
		slog.Info("debug http surface listening", "addr", *debugAddr)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	relay.Register(e)
	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	slog.Info("signaling relay listening", "addr", *addr)
	if err := e.Start(*addr); err != nil {
		log.Printf("[wsrelay] %v", err)
	}
}

// rtcFactory builds a pionrtc.Transport for each Connection, using the
// relay as the out-of-band ICE/hangup signaling path for that
// connection's remote device. It needs the Manager to resolve a
// call_id back to its peer_id, so it's wired in a second step after
// the Manager (which needs this factory) is constructed.
type rtcFactory struct {
	relay   *wsrelay.Relay
	manager *callmanager.Manager
}

func (f *rtcFactory) NewMediaTransport(callID signaling.CallID, remoteDeviceID signaling.DeviceID, direction signaling.Direction) connection.MediaTransport {
	peerID := ""
	if c, ok := f.manager.Call(callID); ok {
		peerID = c.PeerID
	}

	signalSender := f.relay.ConnectionSignalFor(peerID, remoteDeviceID)
	transport, err := pionrtc.New(callID, remoteDeviceID, direction, signalSender)
	if err != nil {
		slog.Error("failed to construct media transport", "call_id", callID, "remote_device_id", remoteDeviceID, "err", err)
		return noopMediaTransport{}
	}
	return transport
}

// noopMediaTransport is returned when pionrtc.New fails (e.g. the local
// ICE stack is unavailable); the connection still gets to run through
// its FSM and terminate cleanly rather than panicking the caller.
type noopMediaTransport struct{}

func (noopMediaTransport) StartOutgoingParent(context.Context) error { return nil }
func (noopMediaTransport) StartOutgoingChild(context.Context) error  { return nil }
func (noopMediaTransport) StartIncoming(context.Context) error       { return nil }
func (noopMediaTransport) SetBandwidthMode(context.Context, connection.BandwidthMode, uint64) error {
	return nil
}
func (noopMediaTransport) AcceptLocally(context.Context) error    { return nil }
func (noopMediaTransport) EnableMedia(context.Context) error      { return nil }
func (noopMediaTransport) SendData(context.Context, []byte) error { return nil }
func (noopMediaTransport) NetworkRoute() signaling.NetworkRoute    { return signaling.NetworkRoute{} }
func (noopMediaTransport) SetOutgoingAudioEnabled(bool)            {}
func (noopMediaTransport) SetOutgoingVideoEnabled(bool)            {}
func (noopMediaTransport) Close() error                            { return nil }

var _ connection.MediaTransport = noopMediaTransport{}
var _ call.MediaTransportFactory = (*rtcFactory)(nil)

// loggingNotifier is a minimal call.ApplicationNotifier that logs every
// event; a real host would forward these to its own UI layer.
type loggingNotifier struct{}

func newLoggingNotifier() loggingNotifier { return loggingNotifier{} }

func (loggingNotifier) NotifyEvent(callID signaling.CallID, event signaling.AppEvent) {
	slog.Info("call event", "call_id", callID, "event", event)
}

func (loggingNotifier) NotifyNetworkRouteChanged(callID signaling.CallID, route signaling.NetworkRoute) {
	slog.Info("network route changed", "call_id", callID, "relayed", route.Relayed)
}

func (loggingNotifier) NotifyAudioLevels(callID signaling.CallID, captured, received uint16) {
	slog.Debug("audio levels", "call_id", callID, "captured", captured, "received", received)
}

// loggingRingNotifier is a minimal ring.UpdateNotifier that logs every
// group-ring update; a real host would surface these as ringing UI.
type loggingRingNotifier struct{}

func newLoggingRingNotifier() loggingRingNotifier { return loggingRingNotifier{} }

func (loggingRingNotifier) NotifyRingUpdate(groupID []byte, ringID int64, update signaling.RingUpdate) {
	slog.Info("ring update", "group_id", groupID, "ring_id", ringID, "update", update)
}
