package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/myrtio/myrtio-ota/internal/config"
	"github.com/myrtio/myrtio-ota/pkg/db"
	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/myrtio/myrtio-ota/pkg/firmware"
	appfsm "github.com/myrtio/myrtio-ota/pkg/fsm"
	"github.com/myrtio/myrtio-ota/pkg/ota"
	"github.com/myrtio/myrtio-ota/pkg/security"
	"github.com/myrtio/myrtio-ota/pkg/storage"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

func runPush(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	validator := security.NewValidator(cfg.MaxImageSize)
	if err := validator.ValidateServePath(cfg.Path); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := validator.ValidatePort("tcp-port", cfg.TCPPort); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := validator.ValidatePort("http-port", cfg.HTTPPort); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	img, err := loadImage(ctx, cfg, validator)
	if err != nil {
		return errors.Wrap(err, "firmware load failed")
	}

	if err := ensureDirectories(cfg.HistoryDB, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}

	localIP := cfg.LocalIP
	if localIP == "" {
		localIP = ota.LocalIP(cfg.Host)
	}

	session := &db.Session{
		ID:          uuid.NewString(),
		DeviceHost:  cfg.Host,
		ImageSource: cfg.Image,
		ImageSize:   int64(img.Size()),
		ImageMD5:    img.MD5(),
		Status:      db.StatusPending,
	}
	if err := repo.Create(session); err != nil {
		repo.Close()
		return errors.Wrap(err, "failed to record session")
	}

	slog.Info("push_started",
		"session_id", session.ID,
		"device", cfg.Host,
		"image", cfg.Image,
		"size", img.Size(),
		"md5", img.MD5(),
		"local_ip", localIP,
	)

	reg := prometheus.NewRegistry()
	metrics := ota.NewMetrics(reg)
	defer func() {
		err = errors.Combine(err, writeMetrics(cfg.MetricsTextfile, reg), repo.Close())
	}()

	signal := ota.NewSignal()
	server := ota.NewServer(ota.ServerConfig{
		Addr:         cfg.ListenAddr(),
		Path:         cfg.Path,
		PollInterval: cfg.PollInterval,
		MaxServe:     cfg.MaxServe(),
		Logger:       slog.Default(),
		Metrics:      metrics,
	}, img.Bytes(), signal)

	inviter := ota.NewInviteClient(slog.Default())
	inviter.ConnectTimeout = cfg.InviteTimeout
	inviter.ReplyTimeout = cfg.InviteTimeout

	machine := appfsm.NewMachine(server, inviter, signal, repo, appfsm.Timing{
		SessionTimeout:   cfg.SessionTimeout,
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressInterval,
		GracePeriod:      cfg.GracePeriod,
	}, progressOutput(), cfg.FSMMaxRetries)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		_ = repo.UpdateStatus(session.ID, db.StatusFailed, err.Error())
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	req := appfsm.PushRequest{
		SessionID:  session.ID,
		DeviceHost: cfg.Host,
		TCPPort:    cfg.TCPPort,
		LocalIP:    localIP,
		HTTPPort:   cfg.HTTPPort,
		Path:       cfg.Path,
		Size:       img.Size(),
		MD5:        img.MD5(),
	}

	var (
		status  string
		pushErr error
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		status, pushErr = appfsm.Execute(runCtx, manager, machine, req)
		return pushErr
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(runCtx, os.Interrupt, syscall.SIGTERM))

	if runErr := g.Run(); runErr != nil && pushErr == nil {
		pushErr = runErr
	}

	if status != db.StatusCompleted {
		slog.Error("push_failed", "session_id", session.ID, "status", status, "error", pushErr)
		return errors.Wrapf(pushErr, "firmware push %s", status)
	}

	slog.Info("push_complete", "session_id", session.ID, "device", cfg.Host)
	fmt.Println("Update complete! Device should reboot shortly.")
	return nil
}

// loadImage reads the firmware before any device traffic happens.
func loadImage(ctx context.Context, cfg *config.Config, validator *security.Validator) (*firmware.Image, error) {
	loader := &firmware.Loader{Validator: validator, WorkDir: cfg.WorkDir}

	if storage.IsURL(cfg.Image) {
		client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		loader.Downloader = client
	}

	return loader.Load(ctx, cfg.Image)
}
