// Package fsm drives a firmware push as a finite state machine:
// start the firmware server, send the invite, wait for the download,
// then tear everything down. Transitions run on the superfly/fsm manager.
package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/myrtio/myrtio-ota/pkg/db"
	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the firmware push FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[PushRequest, PushResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[PushRequest, PushResponse](manager, "firmware-push").
		Start(StateStartServer, m.handleStartServer).
		To(StateSendInvite, m.handleSendInvite).
		To(StateAwaitDownload, m.handleAwaitDownload).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Execute runs one push to completion and always tears the server down.
// It returns the terminal session status; the error is nil only when the
// device downloaded the image.
func Execute(ctx context.Context, manager *fsm.Manager, m *Machine, req PushRequest) (string, error) {
	m.runCtx = ctx
	defer m.Teardown()

	start, _, err := m.Register(ctx, manager)
	if err != nil {
		m.finish(req.SessionID, db.StatusFailed, err)
		return db.StatusFailed, err
	}

	version, err := start(ctx, req.SessionID, fsm.NewRequest(&req, &PushResponse{}))
	if err != nil {
		err = errors.Wrap(err, "FSM start failed")
		m.finish(req.SessionID, db.StatusFailed, err)
		return db.StatusFailed, err
	}

	slog.Debug("fsm_started", "session_id", req.SessionID, "version", version)

	waitErr := manager.Wait(ctx, version)
	m.Teardown()

	status, runErr := m.Outcome()
	switch {
	case status == db.StatusCompleted:
		return status, nil
	case runErr != nil:
		return status, runErr
	case waitErr != nil:
		err = errors.Wrap(waitErr, "FSM execution failed")
	default:
		err = fmt.Errorf("push ended in state %s", status)
	}

	m.finish(req.SessionID, db.StatusFailed, err)
	status, _ = m.Outcome()
	return status, err
}
