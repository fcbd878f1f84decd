package isobus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSelfConfigurable(t *testing.T) {
	var testCases = []struct {
		name   string
		addr   uint8
		expect bool
	}{
		{name: "below range", addr: 127, expect: false},
		{name: "range start", addr: 128, expect: true},
		{name: "range end", addr: 247, expect: true},
		{name: "above range", addr: 248, expect: false},
		{name: "null address", addr: NullAddr, expect: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, IsSelfConfigurable(tc.addr))
		})
	}
}
