package ota

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice accepts one connection, parses the invite and answers with reply.
func fakeDevice(t *testing.T, reply string) (int, <-chan Invite) {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan Invite, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		inv, err := ParseInvite(conn)
		if err != nil {
			return
		}
		got <- inv
		if reply != "" {
			io.WriteString(conn, reply)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, got
}

func testClient() *InviteClient {
	c := NewInviteClient(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.ConnectTimeout = 2 * time.Second
	c.ReplyTimeout = 2 * time.Second
	return c
}

func testInvite() Invite {
	return Invite{Host: "192.168.1.10", Port: 8266, Path: "/firmware.bin", Size: 1024, MD5: "0f343b0931126a20f133d67c2b018a3b"}
}

func TestInvite_WireFormat(t *testing.T) {
	want := "HOST=192.168.1.10\nPORT=8266\nPATH=/firmware.bin\nSIZE=1024\nMD5=0f343b0931126a20f133d67c2b018a3b\n\n"
	assert.Equal(t, want, testInvite().String())
	assert.Equal(t, "http://192.168.1.10:8266/firmware.bin", testInvite().URL())
}

func TestParseInvite_RoundTrip(t *testing.T) {
	inv := testInvite()
	parsed, err := ParseInvite(strings.NewReader(inv.String()))
	require.NoError(t, err)
	assert.Equal(t, inv, parsed)
}

func TestParseInvite_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no terminator", "HOST=h\nPORT=1\nPATH=/p\nSIZE=1\nMD5=m\n"},
		{"missing field", "HOST=h\nPORT=1\nPATH=/p\nSIZE=1\n\n"},
		{"bad port", "HOST=h\nPORT=x\nPATH=/p\nSIZE=1\nMD5=m\n\n"},
		{"no separator", "HOST\n\n"},
		{"unknown key", "HOST=h\nPORT=1\nPATH=/p\nSIZE=1\nMD5=m\nAUTH=x\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInvite(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestInviteClient_Acknowledged(t *testing.T) {
	for _, reply := range []string{"OK", "OK\n", " OK\r\n"} {
		port, got := fakeDevice(t, reply)

		err := testClient().Send(context.Background(), "127.0.0.1", port, testInvite())
		require.NoError(t, err, "reply %q", reply)
		assert.Equal(t, testInvite(), <-got)
	}
}

func TestInviteClient_Rejected(t *testing.T) {
	port, _ := fakeDevice(t, "FAIL\n")

	err := testClient().Send(context.Background(), "127.0.0.1", port, testInvite())
	require.ErrorIs(t, err, ErrProtocolAck)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "ack", hsErr.Step)
	assert.Equal(t, "FAIL", hsErr.Reply)
}

func TestInviteClient_EmptyReply(t *testing.T) {
	// The device closes without answering.
	port, _ := fakeDevice(t, "")

	err := testClient().Send(context.Background(), "127.0.0.1", port, testInvite())
	assert.ErrorIs(t, err, ErrProtocolAck)
}

func TestInviteClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = testClient().Send(context.Background(), "127.0.0.1", port, testInvite())
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestInviteClient_ReplyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept and stay silent.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	c := testClient()
	c.ReplyTimeout = 200 * time.Millisecond

	start := time.Now()
	err = c.Send(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, testInvite())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type staticResolver []net.IP

func (r staticResolver) LookupIP(context.Context, string, string) ([]net.IP, error) {
	return r, nil
}

func TestInviteClient_Resolution(t *testing.T) {
	c := testClient()
	c.Resolver = staticResolver{net.ParseIP("::1")}

	err := c.Send(context.Background(), "device.lan", 3232, testInvite())
	assert.ErrorIs(t, err, ErrResolution)

	err = c.Send(context.Background(), "::1", 3232, testInvite())
	assert.ErrorIs(t, err, ErrResolution)
}

func TestInviteClient_ResolvedHost(t *testing.T) {
	port, got := fakeDevice(t, "OK")

	c := testClient()
	c.Resolver = staticResolver{net.ParseIP("::1"), net.ParseIP("127.0.0.1")}

	require.NoError(t, c.Send(context.Background(), "myrtio-rs1.lan", port, testInvite()))
	assert.Equal(t, testInvite(), <-got)
}
