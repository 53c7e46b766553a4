package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/alienpimp/apexd/internal"
	"github.com/alienpimp/apexd/internal/config"
	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/orchestrator"
	"github.com/alienpimp/apexd/internal/paths"
	"github.com/alienpimp/apexd/internal/runtime"
	"github.com/alienpimp/apexd/internal/server"
	"github.com/alienpimp/apexd/internal/store"
)

// Represents the 'apexd start' command.
type StartCmd struct{}

// Executes the start command.
//
// Opens the metadata store, starts the build workers, and serves the API on
// a Unix domain socket until the context is cancelled (SIGINT, SIGTERM) or
// a shutdown is requested over the API.
func (c *StartCmd) Run(ctx context.Context) error {
	configPath := RootCmd.Config
	if configPath == "" {
		configPath = paths.ConfigFile()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if RootCmd.Socket != "" {
		cfg.Socket = RootCmd.Socket
	}

	st, err := store.Open(paths.Database(cfg.DataDir))
	if err != nil {
		return err
	}
	defer st.Close()

	engines, cleanup := registerEngines(cfg)
	defer cleanup()

	orc := orchestrator.New(st, engines, orchestrator.Options{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Workspaces: filepath.Join(cfg.DataDir, "workspaces"),
		Artifacts:  filepath.Join(cfg.DataDir, "artifacts"),
	})
	if err := orc.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Config{SocketPath: cfg.Socket}, st, orc, engines)
	if err := srv.Start(); err != nil {
		orc.Stop()
		return err
	}

	slog.Info("apexd is running", "engines", engines.Names())

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
	case <-stopped:
	}

	slog.Info("shutting down")
	srv.Stop()
	orc.Stop()
	return nil
}

// Builds the engine registry from the configured engine list.
//
// An empty list enables every engine. The container engine additionally
// needs a containerd connection; when that fails the daemon starts without
// it rather than refusing to come up.
func registerEngines(cfg config.Config) (*engine.Registry, func()) {
	enabled := func(name string) bool {
		if len(cfg.Engines) == 0 {
			return true
		}
		for _, n := range cfg.Engines {
			if n == name {
				return true
			}
		}
		return false
	}

	reg := engine.NewRegistry()
	cleanup := func() {}

	if enabled("native") {
		reg.Register(engine.Native{})
	}
	if enabled("pyenv") {
		reg.Register(engine.PyEnv{})
	}
	if enabled("deb") {
		reg.Register(engine.Deb{})
	}
	if enabled("container") {
		rt, err := runtime.New(cfg.Containerd.Address, cfg.Containerd.Namespace)
		if err != nil {
			slog.Warn("container engine disabled, containerd unavailable",
				"address", cfg.Containerd.Address, "error", err)
		} else {
			reg.Register(engine.NewContainer(rt, "linux/"+internal.Arch()))
			cleanup = func() { rt.Close() }
		}
	}

	return reg, cleanup
}
