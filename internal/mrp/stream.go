// Package mrp implements the Modest Reliable Protocol: a lightweight,
// TCP-like reliability layer that can be laid over any unreliable,
// unordered datagram carrier (UDP, a best-effort data channel, anything
// that can lose or reorder packets). It is "modest" in that it never
// establishes a connection, negotiates buffer sizes, performs congestion
// control, or supports sequence-number wraparound: it is meant for low
// volumes of packets where the priority is reliable, aggressively
// retransmitted delivery, not throughput.
package mrp

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalapp/callcore/internal/buffer"
)

// Header carries exactly one of Seqnum (sender -> receiver, identifies a
// data packet's position in the send window) or AckNum (receiver ->
// sender, the next sequence number the receiver expects). A header that
// is the zero value (both nil) is not a valid MRP header and is passed
// straight through to the caller as ordinary, unreliable data.
type Header struct {
	Seqnum *uint64
	AckNum *uint64
}

// pendingPacket tracks a sent-but-not-yet-acked packet: its retransmit
// deadline, how many times it has been sent, and whether it has been
// flagged for immediate retransmission regardless of deadline.
type pendingPacket[SendData any] struct {
	packet      SendData
	nextSendAt  time.Time
	tryCount    uint16
	forceResend bool
}

func (p *pendingPacket[SendData]) shouldTransmit(now time.Time) bool {
	return p.forceResend || !now.Before(p.nextSendAt)
}

// ErrSendWindowFull is returned by TrySend when the send window has no
// room for another in-flight packet.
var ErrSendWindowFull = errors.New("mrp: send window full")

// ReceiveWindowFullError is returned by Receive when a data packet's
// sequence number falls beyond the receive window's capacity.
type ReceiveWindowFullError struct {
	Seqnum uint64
}

func (e *ReceiveWindowFullError) Error() string {
	return fmt.Sprintf("mrp: receive window full, cannot accept seqnum %d", e.Seqnum)
}

// InnerSendFailedError wraps a failure returned by a caller-supplied send
// callback (TrySend's send_data, TrySendAck's send_ack, or TryResend's
// send_data).
type InnerSendFailedError struct {
	Err error
}

func (e *InnerSendFailedError) Error() string {
	return fmt.Sprintf("mrp: inner send failed: %v", e.Err)
}

func (e *InnerSendFailedError) Unwrap() error { return e.Err }

const (
	initialSeqnum uint64 = 1
	initialAcknum uint64 = 1
)

// Stream implements the MRP sender and receiver state machine over a
// pair of fixed-capacity windows: packets sent but not yet acked, and
// packets received out of order. SendData and ReceiveData are the
// caller's own payload types; Stream never inspects them beyond storing
// and handing them back.
type Stream[SendData, ReceiveData any] struct {
	shouldAck     bool
	sendBuffer    *buffer.Window[pendingPacket[SendData]]
	receiveBuffer *buffer.Window[ReceiveData]
}

// New returns a Stream whose send and receive windows each hold up to
// maxWindowSize in-flight packets.
func New[SendData, ReceiveData any](maxWindowSize uint64) *Stream[SendData, ReceiveData] {
	return &Stream[SendData, ReceiveData]{
		sendBuffer:    buffer.New[pendingPacket[SendData]](maxWindowSize, initialSeqnum),
		receiveBuffer: buffer.New[ReceiveData](maxWindowSize, initialAcknum),
	}
}

// AckSeqnum returns the next sequence number this stream expects to
// receive: the value it would place in an outgoing ack header.
func (s *Stream[SendData, ReceiveData]) AckSeqnum() uint64 {
	return s.receiveBuffer.LeftBound()
}

func (s *Stream[SendData, ReceiveData]) nextSeqnum() uint64 {
	return s.sendBuffer.MaxSeenSeqnum() + 1
}

// TrySend reserves the next sequence number, hands the caller a header
// carrying it, and lets the caller perform the actual send. On success
// the caller reports the packet to buffer (so it can be retransmitted)
// and the deadline at which it should first be retried if unacked. TrySend
// never piggybacks an ack on a data packet; use TrySendAck for that.
//
// Returns ErrSendWindowFull if the send window has no room. Returns an
// *InnerSendFailedError, without buffering anything, if sendData fails —
// the caller is expected to retry later.
func (s *Stream[SendData, ReceiveData]) TrySend(
	sendData func(Header) (SendData, time.Time, error),
) error {
	if s.sendBuffer.IsFull() {
		return ErrSendWindowFull
	}

	seqnum := s.nextSeqnum()
	header := Header{Seqnum: &seqnum}

	packet, timeout, err := sendData(header)
	if err != nil {
		return &InnerSendFailedError{Err: err}
	}

	if putErr := s.sendBuffer.Put(seqnum, pendingPacket[SendData]{
		packet:     packet,
		nextSendAt: timeout,
		tryCount:   1,
	}); putErr != nil {
		panic(fmt.Sprintf("mrp: send buffer should not have been full: %v", putErr))
	}
	return nil
}

// TrySendAck sends a pending ack if one is owed. sendAck is called at
// most once. On success returns the ack number that was sent; if no ack
// was owed, returns (nil, nil) without calling sendAck.
func (s *Stream[SendData, ReceiveData]) TrySendAck(
	sendAck func(Header) error,
) (*uint64, error) {
	if !s.shouldAck {
		return nil, nil
	}

	ackNum := s.AckSeqnum()
	if err := sendAck(Header{AckNum: &ackNum}); err != nil {
		return nil, &InnerSendFailedError{Err: err}
	}
	s.shouldAck = false
	sent := s.AckSeqnum()
	return &sent, nil
}

// TryResend walks the send window and retransmits any packet that is due
// (past its deadline, or explicitly flagged). sendData may be called any
// number of times; on success it returns the packet's next retransmit
// deadline and try count is incremented. TryResend aborts and returns the
// first InnerSendFailedError it encounters, leaving later packets in the
// window untouched for the next call.
func (s *Stream[SendData, ReceiveData]) TryResend(
	now time.Time,
	sendData func(SendData) (time.Time, error),
) error {
	for seqnum := s.sendBuffer.LeftBound(); seqnum <= s.sendBuffer.MaxSeenSeqnum(); seqnum++ {
		pending, ok := s.sendBuffer.Get(seqnum)
		if !ok {
			continue
		}
		if !pending.shouldTransmit(now) {
			continue
		}

		nextSendAt, err := sendData(pending.packet)
		if err != nil {
			return &InnerSendFailedError{Err: err}
		}
		pending.nextSendAt = nextSendAt
		pending.tryCount++
		pending.forceResend = false
		if putErr := s.sendBuffer.Put(seqnum, pending); putErr != nil {
			panic(fmt.Sprintf("mrp: send buffer resend put failed: %v", putErr))
		}
	}
	return nil
}

// Receive processes an incoming header/payload pair. Exactly one of
// Seqnum or AckNum is expected to be set; a header with neither is
// treated as non-MRP data and passed straight back to the caller.
//
// For an ack header, Receive advances the send window and returns no
// data (acks never carry payload data of their own). For a data header,
// Receive buffers the packet (marking an ack as owed) and returns every
// packet now ready for in-order delivery, which may be more than one if
// this packet filled a gap.
func (s *Stream[SendData, ReceiveData]) Receive(header Header, packet ReceiveData) ([]ReceiveData, error) {
	switch {
	case header.AckNum != nil:
		s.updateSendWindow(*header.AckNum)
		return nil, nil
	case header.Seqnum != nil:
		return s.updateReceiveWindow(*header.Seqnum, packet)
	default:
		return []ReceiveData{packet}, nil
	}
}

func (s *Stream[SendData, ReceiveData]) updateSendWindow(receivedAckNum uint64) {
	// Peer sent an impossible ack, which in TCP would force a reset. MRP
	// does not support resets, so this is simply ignored.
	if receivedAckNum > s.nextSeqnum() {
		return
	}
	left := s.sendBuffer.LeftBound()
	// Sequence numbers only ever increase here, so an ack behind the
	// window's left bound must be stale.
	if receivedAckNum < left {
		return
	}
	s.sendBuffer.DropFront(receivedAckNum - left)
}

func (s *Stream[SendData, ReceiveData]) updateReceiveWindow(seqnum uint64, packet ReceiveData) ([]ReceiveData, error) {
	err := s.receiveBuffer.Put(seqnum, packet)
	switch {
	case errors.Is(err, buffer.ErrBeforeWindow):
		// Already delivered this one; the peer is retransmitting because
		// our ack was lost. Ack again.
		s.shouldAck = true
		return nil, nil
	case errors.Is(err, buffer.ErrAfterWindow):
		return nil, &ReceiveWindowFullError{Seqnum: seqnum}
	case err != nil:
		return nil, err
	}

	ready, ok := s.receiveBuffer.DrainFront()
	if !ok {
		return nil, nil
	}
	s.shouldAck = true
	return ready, nil
}
