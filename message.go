package isobus

import "time"

// MsgFlags carries the out-of-band delivery flags a received Message is
// tagged with, mirroring MSG_DONTROUTE/MSG_CONFIRM on the ISOBUS socket
// this package's design is grounded on.
type MsgFlags uint8

const (
	// MsgDontRoute is set whenever the frame's origin socket was known to
	// the driver (i.e. it was sent by some local endpoint).
	MsgDontRoute MsgFlags = 1 << iota
	// MsgConfirm is additionally set when the frame's origin was this
	// endpoint itself (a loopback confirmation of our own transmission).
	MsgConfirm
)

// Message is one single-frame ISOBUS datagram, as delivered to Recv or
// accepted by Send.
type Message struct {
	Time        time.Time
	PGN         uint32
	Priority    uint8
	Source      uint8
	Destination uint8
	Data        []byte
	Flags       MsgFlags
}

// MaxPayloadLen is the CAN MTU this package's single-frame transport is
// limited to: multi-frame transport-protocol segmentation is out of scope.
const MaxPayloadLen = 8
