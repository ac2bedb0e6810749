package ota

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultInviteTimeout bounds both the connect and the reply wait.
	DefaultInviteTimeout = 10 * time.Second
	// maxReplySize is how much of the device answer is read.
	maxReplySize = 64
	ackOK        = "OK"
)

// Invite tells the device where to fetch the firmware from.
type Invite struct {
	Host string
	Port int
	Path string
	Size int
	MD5  string
}

// String renders the invite in wire format. Field order is fixed and the
// trailing blank line ends the invite for the device parser.
func (i Invite) String() string {
	return fmt.Sprintf("HOST=%s\nPORT=%d\nPATH=%s\nSIZE=%d\nMD5=%s\n\n", i.Host, i.Port, i.Path, i.Size, i.MD5)
}

// URL is the address the device will download from.
func (i Invite) URL() string {
	return "http://" + net.JoinHostPort(i.Host, strconv.Itoa(i.Port)) + i.Path
}

// ParseInvite reads one invite from r, stopping at the blank line.
func ParseInvite(r io.Reader) (Invite, error) {
	var inv Invite
	seen := map[string]bool{}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return inv, fmt.Errorf("invite truncated: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return inv, fmt.Errorf("invite line %q: missing '='", line)
		}

		switch key {
		case "HOST":
			inv.Host = value
		case "PORT":
			inv.Port, err = strconv.Atoi(value)
		case "PATH":
			inv.Path = value
		case "SIZE":
			inv.Size, err = strconv.Atoi(value)
		case "MD5":
			inv.MD5 = value
		default:
			return inv, fmt.Errorf("invite: unknown key %q", key)
		}
		if err != nil {
			return inv, fmt.Errorf("invite %s: %w", key, err)
		}
		seen[key] = true
	}

	for _, key := range []string{"HOST", "PORT", "PATH", "SIZE", "MD5"} {
		if !seen[key] {
			return inv, fmt.Errorf("invite: missing %s", key)
		}
	}
	return inv, nil
}

// Resolver looks up IPv4 addresses for a host.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// InviteClient performs the TCP invite handshake. It sends exactly one
// invite per Send call and never retries.
type InviteClient struct {
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	Resolver       Resolver
	Logger         *slog.Logger
}

// NewInviteClient returns a client with the default 10s timeouts.
func NewInviteClient(logger *slog.Logger) *InviteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteClient{
		ConnectTimeout: DefaultInviteTimeout,
		ReplyTimeout:   DefaultInviteTimeout,
		Resolver:       net.DefaultResolver,
		Logger:         logger,
	}
}

// Send delivers inv to the device listening on host:port and waits for the
// acknowledgment. Only a trimmed reply of exactly "OK" is success.
func (c *InviteClient) Send(ctx context.Context, host string, port int, inv Invite) error {
	ip, err := c.resolve(ctx, host)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	c.Logger.Info("invite_connecting", "device", host, "addr", addr)

	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return &HandshakeError{Step: "connect", Addr: addr, Err: classify(err)}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.ReplyTimeout)); err != nil {
		return &HandshakeError{Step: "connect", Addr: addr, Err: err}
	}

	if _, err := io.WriteString(conn, inv.String()); err != nil {
		return &HandshakeError{Step: "send", Addr: addr, Err: classify(err)}
	}
	c.Logger.Info("invite_sent",
		"addr", addr,
		"host", inv.Host,
		"port", inv.Port,
		"path", inv.Path,
		"size", inv.Size,
		"md5", inv.MD5,
	)

	buf := make([]byte, maxReplySize)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return &HandshakeError{Step: "ack", Addr: addr, Err: classify(err)}
	}

	reply := strings.TrimSpace(string(buf[:n]))
	if reply != ackOK {
		c.Logger.Error("invite_rejected", "addr", addr, "reply", reply)
		return &HandshakeError{Step: "ack", Addr: addr, Reply: reply, Err: ErrProtocolAck}
	}

	c.Logger.Info("invite_acknowledged", "addr", addr)
	return nil
}

func (c *InviteClient) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, &HandshakeError{Step: "resolve", Addr: host, Err: ErrResolution}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	ips, err := c.Resolver.LookupIP(lookupCtx, "ip4", host)
	if err != nil {
		return nil, &HandshakeError{Step: "resolve", Addr: host, Err: fmt.Errorf("%w: %v", ErrResolution, err)}
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			c.Logger.Info("device_resolved", "device", host, "ip", ip4.String())
			return ip4, nil
		}
	}
	return nil, &HandshakeError{Step: "resolve", Addr: host, Err: ErrResolution}
}

// classify maps network errors onto the handshake sentinels.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}
