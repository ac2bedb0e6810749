package ota

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", LocalIP("127.0.0.1"))
	assert.Equal(t, "127.0.0.1", LocalIP("no-such-host.invalid"))

	ip := net.ParseIP(LocalIP(""))
	if assert.NotNil(t, ip) {
		assert.NotNil(t, ip.To4())
	}
}
