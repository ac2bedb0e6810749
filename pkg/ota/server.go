package ota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
)

const (
	DefaultHTTPPort     = 8266
	DefaultPath         = "/firmware.bin"
	DefaultPollInterval = time.Second
	// DefaultMaxServe mirrors the session timeout plus the invite exchange.
	DefaultMaxServe = 300*time.Second + 2*DefaultInviteTimeout
)

// ServerConfig configures the firmware server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8266".
	Addr         string
	Path         string
	PollInterval time.Duration
	// MaxServe bounds how long the serve loop runs without a completed download.
	MaxServe time.Duration
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Server serves one firmware image on one path and sets the completion
// signal once the image has been written in full.
type Server struct {
	cfg    ServerConfig
	image  []byte
	signal *Signal
	logger *slog.Logger

	// serveMu serializes firmware transfers.
	serveMu sync.Mutex

	ln    net.Listener
	srv   *http.Server
	stop  chan struct{}
	done  chan struct{}
	err   error
	start sync.Once
	close sync.Once
}

// NewServer builds a server for image. Nothing is bound until Start.
func NewServer(cfg ServerConfig, image []byte, signal *Signal) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Addr == "" {
		cfg.Addr = ":" + strconv.Itoa(DefaultHTTPPort)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxServe <= 0 {
		cfg.MaxServe = DefaultMaxServe
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		image:  image,
		signal: signal,
		logger: cfg.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start binds the listener and launches the serve loop. When it returns
// without error the socket is already accepting connections.
func (s *Server) Start(ctx context.Context) error {
	err := errors.New("firmware server already started")
	s.start.Do(func() {
		err = s.listen(ctx)
	})
	return err
}

func (s *Server) listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.logger.Error("http_listen_failed", "addr", s.cfg.Addr, "error", err)
		return err
	}
	s.ln = ln

	s.srv = &http.Server{
		Handler:           handlers.CustomLoggingHandler(io.Discard, s, s.logRequest),
		ReadHeaderTimeout: DefaultInviteTimeout,
	}
	s.srv.SetKeepAlivesEnabled(false)

	s.logger.Info("http_server_started", "addr", ln.Addr().String(), "path", s.cfg.Path, "size", len(s.image))

	go s.loop(ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Done is closed when the serve loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err reports why the serve loop exited: nil after a completed download or
// an explicit Close, ErrServeTimeout when MaxServe elapsed first.
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops the serve loop and waits for it to exit. Safe to call more
// than once and before Start.
func (s *Server) Close() error {
	s.close.Do(func() {
		close(s.stop)
	})
	if s.ln == nil {
		return nil
	}
	<-s.done
	return nil
}

// loop runs in the background until the image has been served, the
// deadline passes, the context is cancelled or Close is called.
func (s *Server) loop(ctx context.Context) {
	defer close(s.done)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.srv.Serve(s.ln)
	}()

	deadline := time.NewTimer(s.cfg.MaxServe)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	var exit error
poll:
	for {
		select {
		case <-tick.C:
			if s.signal.IsSet() {
				break poll
			}
		case <-s.signal.Done():
			break poll
		case <-s.stop:
			break poll
		case <-ctx.Done():
			exit = ctx.Err()
			break poll
		case <-deadline.C:
			if !s.signal.IsSet() {
				s.logger.Warn("http_server_timeout", "max_serve", s.cfg.MaxServe)
				exit = ErrServeTimeout
			}
			break poll
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http_serve_failed", "error", err)
				exit = errors.Join(ErrServerStopped, err)
			}
			break poll
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.srv.Close()
	}

	s.err = exit
	s.logger.Info("http_server_stopped", "completed", s.signal.IsSet(), "reason", errString(exit))
}

// ServeHTTP answers the configured path with the image and everything else
// with 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.RequestURI != s.cfg.Path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	s.serveMu.Lock()
	defer s.serveMu.Unlock()

	// Only one transfer is ever served.
	if s.signal.IsSet() {
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(s.image)))
	h.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(s.image)
	s.cfg.Metrics.addBytes(n)
	if err != nil {
		s.logger.Error("firmware_transfer_incomplete", "remote", r.RemoteAddr, "written", n, "size", len(s.image), "error", err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	s.cfg.Metrics.markCompleted()
	s.signal.Set()
	s.logger.Info("firmware_served", "remote", r.RemoteAddr, "bytes", n)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.cfg.Metrics.observe(p.StatusCode)
	s.logger.Info("http_request",
		"method", p.Request.Method,
		"path", p.URL.RequestURI(),
		"status", p.StatusCode,
		"bytes", p.Size,
		"remote", p.Request.RemoteAddr,
	)
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}
