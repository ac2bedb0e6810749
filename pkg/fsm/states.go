package fsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/myrtio/myrtio-ota/pkg/db"
	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/myrtio/myrtio-ota/pkg/ota"
	"github.com/superfly/fsm"
)

// FirmwareServer is the background HTTP side of a push.
type FirmwareServer interface {
	Start(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Inviter sends the TCP invite and waits for the acknowledgment.
type Inviter interface {
	Send(ctx context.Context, host string, port int, inv ota.Invite) error
}

// History records session status changes.
type History interface {
	UpdateStatus(id, status, errorMessage string) error
}

// Timing bounds the wait for the device.
type Timing struct {
	// SessionTimeout starts when the device acknowledges the invite.
	SessionTimeout   time.Duration
	PollInterval     time.Duration
	ProgressInterval time.Duration
	// GracePeriod lets the last response flush before teardown.
	GracePeriod time.Duration
}

// DefaultTiming matches the device firmware expectations.
var DefaultTiming = Timing{
	SessionTimeout:   300 * time.Second,
	PollInterval:     time.Second,
	ProgressInterval: 5 * time.Second,
	GracePeriod:      time.Second,
}

// Machine holds dependencies and run state for one firmware push
type Machine struct {
	server     FirmwareServer
	inviter    Inviter
	signal     *ota.Signal
	history    History
	timing     Timing
	progress   io.Writer
	maxRetries int

	// runCtx is the caller's context; the serve loop and blocking waits
	// are bound to it rather than to a single transition.
	runCtx context.Context

	mu            sync.Mutex
	status        string
	err           error
	serverStarted bool
	inviteSent    bool
	acknowledged  time.Time

	teardown sync.Once
}

// NewMachine creates a new FSM machine with dependencies. history and
// progress may be nil; without a progress writer markers go to the log.
func NewMachine(
	server FirmwareServer,
	inviter Inviter,
	signal *ota.Signal,
	history History,
	timing Timing,
	progress io.Writer,
	maxRetries int,
) *Machine {
	return &Machine{
		server:     server,
		inviter:    inviter,
		signal:     signal,
		history:    history,
		timing:     timing,
		progress:   progress,
		maxRetries: maxRetries,
		runCtx:     context.Background(),
		status:     db.StatusPending,
	}
}

// Outcome returns the session status and the error that ended it.
func (m *Machine) Outcome() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.err
}

// Teardown stops the firmware server. Only the first call has an effect.
func (m *Machine) Teardown() {
	m.teardown.Do(func() {
		if err := m.server.Close(); err != nil {
			slog.Warn("server_teardown_failed", "error", err)
			return
		}
		slog.Info("server_teardown_complete")
	})
}

// bind derives a context cancelled by either the transition or the run.
func (m *Machine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.runCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Machine) setStatus(sessionID, status string) {
	m.mu.Lock()
	if db.Terminal(m.status) {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.mu.Unlock()

	m.record(sessionID, status, "")
}

// finish records the terminal status once; later calls are ignored.
func (m *Machine) finish(sessionID, status string, err error) {
	m.mu.Lock()
	if db.Terminal(m.status) {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.err = err
	m.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.record(sessionID, status, msg)
}

func (m *Machine) record(sessionID, status, msg string) {
	if m.history == nil {
		return
	}
	if err := m.history.UpdateStatus(sessionID, status, msg); err != nil {
		slog.Warn("history_update_failed", "session_id", sessionID, "status", status, "error", err)
	}
}

// abort ends the run: it records the failure, stops the server and tells
// the FSM not to retry.
func (m *Machine) abort(sessionID, status string, err error) error {
	m.finish(sessionID, status, err)
	m.Teardown()
	return fsm.Abort(err)
}

func (m *Machine) checkRetries(ctx context.Context, sessionID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "session_id", sessionID, "max_retries", m.maxRetries)
		return m.abort(sessionID, db.StatusFailed, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handleStartServer binds the firmware server. The socket is accepting
// before this transition returns, so the device can never race the invite.
func (m *Machine) handleStartServer(ctx context.Context, req *fsm.Request[PushRequest, PushResponse]) (*fsm.Response[PushResponse], error) {
	slog.Info("fsm_state_start_server", "session_id", req.Msg.SessionID)

	if err := m.checkRetries(ctx, req.Msg.SessionID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &PushResponse{}
	}

	m.mu.Lock()
	started := m.serverStarted
	m.mu.Unlock()

	if !started {
		if err := m.server.Start(m.runCtx); err != nil {
			slog.Error("server_start_failed", "session_id", req.Msg.SessionID, "error", err)
			return nil, m.abort(req.Msg.SessionID, db.StatusFailed, errors.Wrap(err, "failed to start firmware server"))
		}
		m.mu.Lock()
		m.serverStarted = true
		m.mu.Unlock()
	}

	m.setStatus(req.Msg.SessionID, db.StatusServing)
	resp.ServerAddr = fmt.Sprintf("%s:%d", req.Msg.LocalIP, req.Msg.HTTPPort)
	resp.Status = db.StatusServing

	return fsm.NewResponse(resp), nil
}

// handleSendInvite performs the TCP handshake. At most one invite is ever
// sent per run, so any failure aborts instead of retrying.
func (m *Machine) handleSendInvite(ctx context.Context, req *fsm.Request[PushRequest, PushResponse]) (*fsm.Response[PushResponse], error) {
	slog.Info("fsm_state_send_invite", "session_id", req.Msg.SessionID, "device", req.Msg.DeviceHost)

	if err := m.checkRetries(ctx, req.Msg.SessionID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, m.abort(req.Msg.SessionID, db.StatusFailed, fmt.Errorf("response not initialized"))
	}

	m.mu.Lock()
	alreadySent := m.inviteSent
	m.inviteSent = true
	m.mu.Unlock()

	if alreadySent {
		slog.Error("invite_already_sent", "session_id", req.Msg.SessionID)
		return nil, m.abort(req.Msg.SessionID, db.StatusFailed, fmt.Errorf("invite already sent for session %s", req.Msg.SessionID))
	}

	m.setStatus(req.Msg.SessionID, db.StatusInviting)

	inv := ota.Invite{
		Host: req.Msg.LocalIP,
		Port: req.Msg.HTTPPort,
		Path: req.Msg.Path,
		Size: req.Msg.Size,
		MD5:  req.Msg.MD5,
	}

	sendCtx, cancel := m.bind(ctx)
	defer cancel()

	if err := m.inviter.Send(sendCtx, req.Msg.DeviceHost, req.Msg.TCPPort, inv); err != nil {
		slog.Error("invite_failed", "session_id", req.Msg.SessionID, "device", req.Msg.DeviceHost, "error", err)
		return nil, m.abort(req.Msg.SessionID, db.StatusFailed, errors.Wrap(err, "invite handshake failed"))
	}

	m.mu.Lock()
	m.acknowledged = time.Now()
	m.mu.Unlock()

	resp.InviteSent = true
	resp.Status = db.StatusInviting

	return fsm.NewResponse(resp), nil
}

// handleAwaitDownload waits for the completion signal, bounded by the
// session timeout counted from the acknowledgment.
func (m *Machine) handleAwaitDownload(ctx context.Context, req *fsm.Request[PushRequest, PushResponse]) (*fsm.Response[PushResponse], error) {
	slog.Info("fsm_state_await_download", "session_id", req.Msg.SessionID)

	if err := m.checkRetries(ctx, req.Msg.SessionID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, m.abort(req.Msg.SessionID, db.StatusFailed, fmt.Errorf("response not initialized"))
	}

	m.setStatus(req.Msg.SessionID, db.StatusAwaiting)

	waitCtx, cancel := m.bind(ctx)
	defer cancel()

	m.mu.Lock()
	start := m.acknowledged
	m.mu.Unlock()
	if start.IsZero() {
		start = time.Now()
	}

	err := m.waitForDownload(waitCtx, start)
	resp.WaitedSeconds = int(time.Since(start).Seconds())
	if err != nil {
		status := db.StatusFailed
		if errors.Is(err, ota.ErrDownloadTimeout) {
			status = db.StatusTimedOut
		}
		slog.Error("download_wait_failed", "session_id", req.Msg.SessionID, "waited_s", resp.WaitedSeconds, "error", err)
		return nil, m.abort(req.Msg.SessionID, status, err)
	}

	slog.Info("download_complete", "session_id", req.Msg.SessionID, "waited_s", resp.WaitedSeconds)
	resp.Status = db.StatusAwaiting

	return fsm.NewResponse(resp), nil
}

func (m *Machine) waitForDownload(ctx context.Context, start time.Time) error {
	deadline := time.NewTimer(time.Until(start.Add(m.timing.SessionTimeout)))
	defer deadline.Stop()
	tick := time.NewTicker(m.timing.PollInterval)
	defer tick.Stop()

	nextMarker := m.timing.ProgressInterval
	markers := 0
	defer func() {
		if markers > 0 && m.progress != nil {
			fmt.Fprintln(m.progress)
		}
	}()

	for {
		select {
		case <-m.signal.Done():
			return nil
		case <-deadline.C:
			if m.signal.IsSet() {
				return nil
			}
			return fmt.Errorf("%w after %s", ota.ErrDownloadTimeout, m.timing.SessionTimeout)
		case <-m.server.Done():
			if m.signal.IsSet() {
				return nil
			}
			if err := m.server.Err(); err != nil {
				return err
			}
			return ota.ErrServerStopped
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "download wait cancelled")
		case <-tick.C:
			elapsed := time.Since(start)
			if m.timing.ProgressInterval > 0 && elapsed >= nextMarker {
				nextMarker += m.timing.ProgressInterval
				markers++
				m.mark(elapsed)
			}
		}
	}
}

func (m *Machine) mark(elapsed time.Duration) {
	if m.progress != nil {
		fmt.Fprint(m.progress, ".")
		return
	}
	slog.Info("download_waiting", "elapsed_s", int(elapsed.Seconds()), "timeout_s", int(m.timing.SessionTimeout.Seconds()))
}

// handleComplete lets the last response flush, then tears the server down.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[PushRequest, PushResponse]) (*fsm.Response[PushResponse], error) {
	slog.Info("fsm_state_complete", "session_id", req.Msg.SessionID)

	resp := req.W.Msg
	if resp == nil {
		resp = &PushResponse{}
	}

	graceCtx, cancel := m.bind(ctx)
	defer cancel()

	grace := time.NewTimer(m.timing.GracePeriod)
	select {
	case <-grace.C:
	case <-graceCtx.Done():
		grace.Stop()
	}

	m.Teardown()
	m.finish(req.Msg.SessionID, db.StatusCompleted, nil)
	resp.Status = db.StatusCompleted

	slog.Info("fsm_complete", "session_id", req.Msg.SessionID, "status", db.StatusCompleted)

	return fsm.NewResponse(resp), nil
}
