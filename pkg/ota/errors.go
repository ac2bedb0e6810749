// Package ota implements the host side of the MyrtIO over-the-air update
// protocol: the TCP invite handshake and the one-shot firmware HTTP server.
package ota

import (
	"errors"
	"fmt"
)

// Handshake failures. All of them abort the update; none are retried.
var (
	ErrResolution        = errors.New("device host did not resolve to an IPv4 address")
	ErrTimeout           = errors.New("device did not answer in time")
	ErrConnectionRefused = errors.New("connection refused, device may not be running the OTA listener")
	ErrProtocolAck       = errors.New("device rejected invite")
)

// Server failures.
var (
	ErrServeTimeout  = errors.New("firmware was not downloaded before the serve deadline")
	ErrServerStopped = errors.New("firmware server stopped")
	// ErrDownloadTimeout means the device acknowledged the invite but never
	// fetched the image within the session timeout.
	ErrDownloadTimeout = errors.New("timeout waiting for device to download firmware")
)

// HandshakeError records which step of the invite exchange failed.
type HandshakeError struct {
	Step string
	Addr string
	// Reply holds the trimmed device answer for ack failures.
	Reply string
	Err   error
}

func (e *HandshakeError) Error() string {
	if e.Reply != "" || e.Step == "ack" {
		return fmt.Sprintf("ota handshake %s %s: %v (reply %q)", e.Step, e.Addr, e.Err, e.Reply)
	}
	return fmt.Sprintf("ota handshake %s %s: %v", e.Step, e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
