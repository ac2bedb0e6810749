package ota

import (
	"net"
	"strconv"
)

// LocalIP returns the address this host uses to reach target. No packet is
// sent: connecting a UDP socket only selects a route. Falls back to
// 127.0.0.1 when no route exists.
func LocalIP(target string) string {
	if target == "" {
		target = "8.8.8.8"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(target, strconv.Itoa(80)))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
