package isobus

// Filter is the high-level, PGN/address-shaped description of which frames
// an endpoint wants delivered. It is translated to a raw (CAN id, CAN mask)
// pair by ToRaw before being handed to a CAN driver, and recovered from one
// by FromRaw.
type Filter struct {
	PGN       uint32
	PGNMask   uint32
	DAddr     uint8
	DAddrMask uint8
	SAddr     uint8
	SAddrMask uint8
	// Inverted is carried through ToRaw/FromRaw as invertedMatchBit on the
	// raw id. candrv.SocketCANConn matches registrations by (id, mask) only
	// and does not invert the match when that bit is set.
	Inverted bool
}

// invertedMatchBit is a private convention between ToRaw and FromRaw for
// carrying Filter.Inverted through the raw (id, mask) pair: it reuses a bit
// outside the 29-bit identifier space, the same trick CAN_INV_FILTER plays
// in the original ISOBUS socket implementation.
const invertedMatchBit = uint32(1) << 29

// ToRaw converts f into a (canID, canMask) pair suitable for registration
// with a CAN driver. It rejects PDU2 filters that specify a non-zero
// destination-address mask, since PDU2 has no destination-address field to
// mask: those bits belong to the PGN.
func (f Filter) ToRaw() (canID uint32, canMask uint32, err error) {
	pgnMask := f.PGNMask
	if PDUFormat(f.PGN) == 2 {
		if f.DAddrMask != 0 {
			return 0, 0, newErr("Filter.ToRaw", ErrInvalidArgument, nil)
		}
		// PDU2 has no destination-address field: the PS bits of the mask
		// belong to the PGN, not a DA, so clear them before encoding.
		pgnMask = f.PGNMask &^ psMask
	}

	canID = Encode(0, f.PGN, f.DAddr, f.SAddr)
	// The mask is packed directly: unlike a real PGN it carries no
	// PDU-format information of its own to branch on (a PDU1 mask with all
	// PS bits set would otherwise misclassify as PDU2), so it bypasses
	// Encode's da-ignoring logic.
	canMask = packRaw(0, pgnMask, f.DAddrMask, f.SAddrMask)
	if f.Inverted {
		canID |= invertedMatchBit
	}
	return canID, canMask, nil
}

// FromRaw recovers a Filter from a (canID, canMask) pair. It never fails.
func FromRaw(canID, canMask uint32) Filter {
	return Filter{
		PGN:       DecodePGN(canID &^ invertedMatchBit),
		PGNMask:   (canMask >> pgnPos) & pgnMask,
		DAddr:     uint8(Field(canID, FieldPS)),
		DAddrMask: uint8(Field(canMask, FieldPS)),
		SAddr:     uint8(Field(canID, FieldSA)),
		SAddrMask: uint8(Field(canMask, FieldSA)),
		Inverted:  canID&invertedMatchBit != 0,
	}
}

// DefaultFilter matches all extended-format frames and nothing else — the
// filter a freshly initialised endpoint carries until SetOption(OptFilter,
// ...) replaces it.
func DefaultFilter() Filter {
	return Filter{PGN: 0, PGNMask: 0, DAddr: 0, DAddrMask: 0, SAddr: 0, SAddrMask: 0}
}
