package isobus

import (
	"math/rand"
	"time"
)

// NewRandomName generates a NAME with pseudo-random identity, ECU instance
// and function-instance fields, the default manufacturer code (all ones),
// the default function (data logger) and the self-configurable bit set —
// the defaults endpoint.New assigns a freshly created endpoint.
func NewRandomName() Name {
	var n Name
	n |= Name(rand.Uint32()) & nameIdentityMask
	n |= (Name(rand.Uint32()) << nameECUInstancePos) & (nameECUInstanceMask | nameFuncInstanceMask)
	n |= nameManufacturerMask // default manufacturer: all ones
	n |= (Name(DefaultFunction) << nameFunctionPos) & nameFunctionMask
	n |= NameSelfConfigurableBit
	return n
}

// rtxdUnit is the scale factor applied to the uniform(0..255) draw: 0.6ms,
// expressed as whole microseconds so the multiplication stays integral.
const rtxdUnit = 600 * time.Microsecond

// RandomTransmitDelay returns a uniform random delay in [0, 153ms], the
// "rtxd" jitter spec.md §4.5 adds to the initial address-claim wait to
// defend against every node on the bus claiming simultaneously.
func RandomTransmitDelay() time.Duration {
	return time.Duration(rand.Intn(256)) * rtxdUnit
}
