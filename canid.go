package isobus

// Bit layout of the 29-bit extended CAN identifier, MSB to LSB:
// 3 bits priority [26..28], 1 bit EDP [25], 1 bit DP [24], 8 bits PF
// [16..23], 8 bits PS [8..15], 8 bits SA [0..7].
const (
	priPos  = 26
	priMask = 0x07
	dpPos   = 24
	dpMask  = 0x01
	edpPos  = 25
	edpMask = 0x01
	pfPos   = 16
	pfMask  = 0xFF
	psPos   = 8
	psMask  = 0xFF
	saPos   = 0
	saMask  = 0xFF

	pgnPos     = 8
	pgnMask    = 0x03FFFF
	pgn1Mask   = 0x03FF00
	minPDU2 PF = 240

	// EFFFlag marks a CAN identifier as 29-bit extended format. Transmit
	// always sets it; it has no bearing on the fields above.
	EFFFlag = uint32(1) << 31
)

// PF is the PDU Format field of a PGN or CAN id, the low byte of bits
// [16..23] once shifted down.
type PF uint8

// IDField names one field extractable from a raw CAN identifier via Field.
type IDField int

const (
	FieldPriority IDField = iota
	FieldPF
	FieldPS
	FieldSA
	FieldDP
	FieldEDP
)

// MinPriority and MaxPriority bound both the wire priority Encode packs and
// the user-visible priority knob SetOption(OptSendPriority, ...) accepts.
const (
	MinPriority = 0
	MaxPriority = 7
)

// pduFormatOf returns the PDU Format byte of a PGN (or of a raw id's PGN
// field once it has been shifted down out of bits [8..25]).
func pduFormatOf(pgn uint32) PF {
	return PF((pgn >> 8) & 0xFF)
}

// PDUFormat classifies a PGN as PDU1 (addressed, PF<240) or PDU2
// (broadcast, PF>=240), returning 1 or 2.
func PDUFormat(pgn uint32) int {
	if pduFormatOf(pgn) < minPDU2 {
		return 1
	}
	return 2
}

// Encode packs (priority, pgn, destination, source) into a 29-bit extended
// CAN identifier. pri is clamped to 0..7. For PDU2 PGNs da is ignored: the
// PS byte carries the low PGN byte instead of a destination address.
func Encode(pri uint8, pgn uint32, da, sa uint8) uint32 {
	if PDUFormat(pgn) != 1 {
		da = 0
	}
	return packRaw(pri, pgn, da, sa)
}

// packRaw packs (priority, pgn, destination, source) into a 29-bit extended
// CAN identifier without any PDU-format-dependent interpretation of da — an
// unconditional bit-packing helper used directly when the caller (such as
// FilterTranslator, packing a mask rather than a real PGN) has already
// decided what belongs in the PS bits.
func packRaw(pri uint8, pgn uint32, da, sa uint8) uint32 {
	if pri > MaxPriority {
		pri = MaxPriority
	}
	id := EFFFlag
	id |= (uint32(pri) & priMask) << priPos
	id |= (pgn & pgnMask) << pgnPos
	id |= uint32(sa&saMask) << saPos
	id |= uint32(da&psMask) << psPos
	return id
}

// DecodePGN extracts the PGN from a CAN identifier. For PDU1 ids the PS
// byte (destination address) is masked out of the result; for PDU2 ids the
// full 18-bit field, including the PS byte, is returned.
func DecodePGN(canID uint32) uint32 {
	raw := (canID >> pgnPos) & pgnMask
	if PDUFormat(raw) == 1 {
		return raw & pgn1Mask
	}
	return raw
}

// Field extracts a single field from a raw CAN identifier.
func Field(canID uint32, field IDField) uint32 {
	switch field {
	case FieldPriority:
		return (canID >> priPos) & priMask
	case FieldPF:
		return (canID >> pfPos) & pfMask
	case FieldPS:
		return (canID >> psPos) & psMask
	case FieldSA:
		return (canID >> saPos) & saMask
	case FieldDP:
		return (canID >> dpPos) & dpMask
	case FieldEDP:
		return (canID >> edpPos) & edpMask
	default:
		return 0
	}
}

// UserPriorityToWire converts the user-visible priority (larger means more
// important) to the wire priority Encode expects (smaller means more
// important on the bus).
func UserPriorityToWire(userPri uint8) uint8 {
	return clampPriority(MaxPriority - clampPriority(userPri))
}

// WirePriorityToUser is the inverse of UserPriorityToWire.
func WirePriorityToUser(wirePri uint8) uint8 {
	return clampPriority(MaxPriority - clampPriority(wirePri))
}

func clampPriority(p uint8) uint8 {
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
