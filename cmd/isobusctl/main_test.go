package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmlink/isobus"
)

func TestParseSendLine(t *testing.T) {
	msg, dst, err := parseSendLine("6,59904,255,14f001")
	require.NoError(t, err)
	assert.Equal(t, isobus.Message{
		Priority: 6,
		PGN:      59904,
		Data:     []byte{0x14, 0xf0, 0x01},
	}, msg)
	assert.Equal(t, uint8(255), dst)
}

func TestParseSendLineRejectsWrongFieldCount(t *testing.T) {
	_, _, err := parseSendLine("6,59904,255")
	assert.Error(t, err)
}

func TestNodeCacheObserve(t *testing.T) {
	c := newNodeCache()
	name := isobus.NewRandomName()
	c.observe(0x22, name)

	c.mu.Lock()
	got, ok := c.bySource[0x22]
	c.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, name, got)
}
