package netool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnets_Contains(t *testing.T) {
	s, err := NewSubnets("192.168.1.0/24", "fd00::/8")
	require.NoError(t, err)

	assert.True(t, s.Contains(net.ParseIP("192.168.1.20")))
	assert.True(t, s.Contains(net.ParseIP("fd00::1")))
	assert.True(t, s.Contains(net.ParseIP("127.0.0.1")))
	assert.False(t, s.Contains(net.ParseIP("192.168.2.20")))
	assert.False(t, s.Contains(net.ParseIP("0.0.0.0")))
	assert.False(t, s.Contains(nil))
}

func TestNewSubnets_Invalid(t *testing.T) {
	_, err := NewSubnets("192.168.1.0")
	assert.Error(t, err)
}

func TestLocalSubnets(t *testing.T) {
	s, err := LocalSubnets()
	require.NoError(t, err)
	assert.True(t, s.Contains(net.IPv4(127, 0, 0, 1)))

	for _, ip := range LocalIPs() {
		assert.True(t, s.Contains(ip), ip.String())
	}
}
