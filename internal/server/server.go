package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/orchestrator"
	"github.com/alienpimp/apexd/internal/paths"
	"github.com/alienpimp/apexd/internal/store"
)

const (

	// Group name used to grant socket access. Members of this group can
	// talk to the daemon without owning the process.
	socketGroup = "apexd"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660
)

// Holds server configuration.
type Config struct {
	SocketPath string              // Listen address: a Unix socket path or "tcp://host:port". Empty uses the default socket.
	Metrics    prometheus.Gatherer // Source for the /metrics endpoint. Empty uses the global gatherer.
}

// Serves the HTTP API on a Unix domain socket.
type Server struct {
	socketPath   string
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	engines      *engine.Registry
	router       *mux.Router
	httpServer   *http.Server
	startedAt    time.Time
	done         chan struct{}
	shutdownOnce sync.Once
}

// Creates a new server instance.
//
// The socket is not opened until [Start] is called.
func New(cfg Config, st *store.Store, orc *orchestrator.Orchestrator, engines *engine.Registry) *Server {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	gatherer := cfg.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		socketPath:   socketPath,
		store:        st,
		orchestrator: orc,
		engines:      engines,
		done:         make(chan struct{}),
	}
	s.router = s.routes(gatherer)
	return s
}

// Returns the API handler, for serving over other listeners in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Opens the Unix socket and begins serving requests.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.router}

	if err := writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "error", err)
		}
	}()
	return nil
}

// Creates the listener.
//
// Addresses with a "tcp://" prefix listen on TCP; anything else is treated
// as a Unix socket path. Stale sockets from a previous run are removed and
// permissions applied.
func listen(socketPath string) (net.Listener, error) {
	if addr, ok := strings.CutPrefix(socketPath, "tcp://"); ok {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(ErrServer, "failed to listen on %s", addr)
		}
		return listener, nil
	}

	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(ErrServer, err.Error())
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(ErrServer, "failed to listen on %s", socketPath)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. The daemon does not run as
// root; any user in the apexd group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return errors.Wrapf(ErrServer, "failed to chmod socket %s", socketPath)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Warn("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up the socket and PID files.
func (s *Server) Stop() error {
	s.shutdownOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	if !strings.HasPrefix(s.socketPath, "tcp://") {
		os.Remove(s.socketPath)
	}
	os.Remove(paths.PIDFile())

	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Writes the daemon PID to the PID file so clients can detect whether the
// daemon is already running and send it signals.
func writePID() error {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(paths.PIDFile(), []byte(fmt.Sprintf("%d", os.Getpid())), paths.DefaultFileMode)
}
