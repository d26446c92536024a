package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cruciblehq/pipelined/internal/paths"
	"github.com/cruciblehq/pipelined/internal/pipeline"
	"github.com/cruciblehq/pipelined/internal/storage/sqlite"
	"github.com/cruciblehq/pipelined/internal/telemetry"
	"github.com/cruciblehq/pipelined/internal/template"
	"github.com/cruciblehq/pipelined/internal/trigger"
)

const (

	// Scheme selecting a Unix domain socket listener.
	unixScheme = "unix://"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Upper bound on request bodies.
	maxBodyBytes = 1 << 20

	// Bound on reading request headers.
	readHeaderTimeout = 10 * time.Second
)

// Run operations exposed over HTTP.
type Runs interface {
	OnTrigger(ctx context.Context, ev trigger.Event) (pipeline.RunID, error)
	Cancel(id pipeline.RunID) error
	Get(ctx context.Context, id pipeline.RunID) (pipeline.Run, error)
	List(ctx context.Context, f sqlite.RunFilter) ([]pipeline.Run, error)
}

// Template operations exposed over HTTP.
type Templates interface {
	Publish(ctx context.Context, tpl pipeline.Template) error
	Resolve(name, version string) (pipeline.Template, error)
	List() []template.Summary
}

// Holds server configuration.
type Config struct {
	Address     string             // host:port, or unix:// followed by a socket path. "unix://" alone selects the default socket.
	SocketGroup string             // Group granted access to a Unix socket. Empty leaves the socket owner-only.
	Metrics     *telemetry.Metrics // Served on /metrics when set.
}

// HTTP API of the daemon.
type Server struct {
	cfg        Config
	runs       Runs
	templates  Templates
	router     chi.Router
	http       *http.Server
	listener   net.Listener
	socketPath string    // Set when listening on a Unix socket.
	startedAt  time.Time // Timestamp when the server started.
	done       chan struct{}
	stopOnce   sync.Once
}

// Creates a new server instance.
//
// The listener is not opened until [Server.Start] is called.
func New(cfg Config, runs Runs, templates Templates) *Server {
	s := &Server{
		cfg:       cfg,
		runs:      runs,
		templates: templates,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Returns the router, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(slog.Default()))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pipelined")
	})

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers", s.handleTrigger)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handlePublishTemplates)
		r.Get("/templates/{name}", s.handleGetTemplate)
		r.Get("/templates/{name}/{version}", s.handleGetTemplate)
	})

	return r
}

// Opens the listener and begins serving.
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening", "address", listener.Addr().String())

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()
	return nil
}

// Returns the address the server listens on, or an empty string before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Creates the listener for the configured address. A Unix socket replaces
// any stale socket from a previous run and has its permissions restricted.
func (s *Server) listen() (net.Listener, error) {
	addr := s.cfg.Address

	if !strings.HasPrefix(addr, unixScheme) {
		if strings.Contains(addr, "://") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, addr)
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, addr, err)
		}
		return listener, nil
	}

	socketPath := strings.TrimPrefix(addr, unixScheme)
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath, s.cfg.SocketGroup); err != nil {
		listener.Close()
		return nil, err
	}

	s.socketPath = socketPath
	return listener, nil
}

// Restricts socket access to owner and group.
func setSocketPermissions(socketPath, group string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	if group == "" {
		return nil
	}

	if g, err := user.LookupGroup(group); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", group, "error", err)
			}
		}
	} else {
		slog.Warn("socket group not found, socket accessible to owner only", "group", group)
	}

	return nil
}

// Stops accepting connections and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			err = s.http.Shutdown(ctx)
		}

		if s.socketPath != "" {
			os.Remove(s.socketPath)
		}
		os.Remove(paths.PIDFile())
	})
	return err
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Writes the daemon PID to the PID file so operators can signal the daemon.
func writePID() error {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}
