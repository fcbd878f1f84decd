package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEncode_S1(t *testing.T) {
	// S1 (encode round-trip) from spec.md §8.
	id := Encode(6, 0x00EE00, 0x80, 0x81)
	assert.Equal(t, uint32(0x18EE8081)|EFFFlag, id)
	assert.Equal(t, uint32(0x00EE00), DecodePGN(id))
	assert.Equal(t, uint32(0x81), Field(id, FieldSA))
}

func TestEncode_S2_PDU2Classification(t *testing.T) {
	// S2 (PDU2 classification) from spec.md §8.
	assert.Equal(t, 2, PDUFormat(0x00F004))

	id := Encode(0, 0x00F004, 0x55, 0x01)
	assert.Equal(t, uint32(0x04), Field(id, FieldPS))
	assert.NotEqual(t, uint32(0x55), Field(id, FieldPS))
}

func TestPDUFormat(t *testing.T) {
	var testCases = []struct {
		name   string
		pgn    uint32
		expect int
	}{
		{name: "addressed, PF just below 240", pgn: 0x00EE00, expect: 1},
		{name: "addressed, PF one", pgn: 0x000100, expect: 1},
		{name: "broadcast, PF exactly 240", pgn: 0x00F000, expect: 2},
		{name: "broadcast, PF above 240", pgn: 0x00FF00, expect: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, PDUFormat(tc.pgn))
		})
	}
}

func TestEncode_PDU2IgnoresDestination(t *testing.T) {
	withDA := Encode(3, 0x00FF00, 0x55, 0x10)
	withoutDA := Encode(3, 0x00FF00, 0x00, 0x10)
	assert.Equal(t, withoutDA, withDA)
}

func TestUserPriorityWireRoundTrip(t *testing.T) {
	for p := uint8(0); p <= MaxPriority; p++ {
		wire := UserPriorityToWire(p)
		assert.Equal(t, p, WirePriorityToUser(wire))
	}
}

// TestEncodeDecodePGNRoundTrip is invariant 1 from spec.md §8: for every
// encoded CAN id, decode_pgn(encode(p, pgn, da, sa)) == pgn for PDU2 and
// == pgn & PGN1_MASK for PDU1, and priority round-trips for p in 0..7.
func TestEncodeDecodePGNRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pri := uint8(rapid.IntRange(0, 7).Draw(t, "pri"))
		pgn := uint32(rapid.IntRange(0, 0x3FFFF).Draw(t, "pgn"))
		da := uint8(rapid.IntRange(0, 255).Draw(t, "da"))
		sa := uint8(rapid.IntRange(0, 255).Draw(t, "sa"))

		id := Encode(pri, pgn, da, sa)
		assert.Equal(t, pri, uint8(Field(id, FieldPriority)))

		decoded := DecodePGN(id)
		if PDUFormat(pgn) == 2 {
			assert.Equal(t, pgn, decoded)
		} else {
			assert.Equal(t, pgn&pgn1Mask, decoded)
		}
	})
}
