package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNameFromBytesRoundTrip(t *testing.T) {
	want := NewRandomName()
	b := want.Bytes()
	got := NameFromBytes(b[:])
	assert.Equal(t, want, got)
}

func TestNameFromBytesLittleEndian(t *testing.T) {
	// byte 0 is the least-significant byte of the identity field.
	b := [8]byte{0x01, 0, 0, 0, 0, 0, 0, 0}
	n := NameFromBytes(b[:])
	assert.Equal(t, uint32(1), n.IdentityNumber())
}

func TestNameLess(t *testing.T) {
	lo := Name(1)
	hi := Name(2)
	assert.True(t, lo.Less(hi))
	assert.False(t, hi.Less(lo))
	assert.False(t, lo.Less(lo))
}

func TestNameSelfConfigurable(t *testing.T) {
	n := NewRandomName()
	assert.True(t, n.SelfConfigurable())

	without := n &^ NameSelfConfigurableBit
	assert.False(t, without.SelfConfigurable())
}

// TestNameLessIsUnsignedOrder is invariant 2 from spec.md §8: NAME
// comparison during address-claim arbitration is a plain unsigned 64-bit
// comparison, so Less must agree with the uint64 ordering for every pair.
func TestNameLessIsUnsignedOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := Name(rapid.Uint64().Draw(t, "a"))
		b := Name(rapid.Uint64().Draw(t, "b"))
		assert.Equal(t, uint64(a) < uint64(b), a.Less(b))
	})
}

func TestNewRandomNameDefaultFields(t *testing.T) {
	n := NewRandomName()
	assert.Equal(t, uint8(DefaultFunction), n.Function())
	assert.Equal(t, uint16(0x7FF), n.ManufacturerCode())
}
