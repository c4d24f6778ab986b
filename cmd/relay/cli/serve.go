package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/relay/config"
	"github.com/deepnoodle-ai/relay/gateway"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/replay"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/runtime/claude"
	"github.com/deepnoodle-ai/relay/skill"
	"github.com/deepnoodle-ai/relay/workflow"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch") {
				cfg.Skills.Watch = watch
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides Server.Addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload skills when their files change")
	return cmd
}

// server is the fully wired relay process.
type server struct {
	app      *app
	registry *registry.Registry
	skills   *skill.Loader
	gateway  *gateway.Gateway
	http     *http.Server
}

// newServer wires every component from cfg. A nil rt uses the Claude Code
// CLI.
func newServer(ctx context.Context, cfg *config.Config, rt runtime.Runtime) (*server, error) {
	a, err := openApp(ctx, cfg, openOrCreate)
	if err != nil {
		return nil, err
	}
	logger := a.logger
	if rt == nil {
		var stderr io.Writer
		if strings.EqualFold(cfg.Log.Level, "debug") {
			stderr = os.Stderr
		}
		rt = claude.New(claude.Options{Binary: cfg.Runtime.Binary, Stderr: stderr, Logger: logger})
	}
	defaults := cfg.ConnectDefaults()

	reg, err := registry.New(registry.Options{
		Runtime:  rt,
		Mirrors:  replay.NewMirrors(a.sessions, "", logger),
		Defaults: defaults,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	loader := skill.NewLoader(skill.LoaderOptions{
		Paths:      cfg.Skills.Paths,
		ProjectDir: cwd,
		HomeDir:    home,
		Logger:     logger,
	})
	if err := loader.LoadSkills(); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading skills: %w", err)
	}
	logger.Info("skills loaded", "count", loader.SkillCount())

	// Skill writes go to the first configured path, never to the project or
	// home directories
	var manager *skill.Manager
	if len(cfg.Skills.Paths) > 0 {
		if manager, err = skill.NewManager(loader); err != nil {
			a.Close()
			return nil, err
		}
	}

	runner, err := workflow.NewRunner(workflow.RunnerOptions{
		Runtime:           rt,
		Store:             a.runs,
		Skills:            loader,
		TempRoot:          cfg.Workflows.TempRoot,
		ArtifactsDir:      cfg.Workflows.ArtifactsDir,
		ArtifactPatterns:  cfg.Workflows.ArtifactPatterns,
		Defaults:          defaults,
		KeepExecutionDirs: cfg.Workflows.KeepExecDirs,
		Logger:            logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, err := gateway.New(gateway.Options{
		Store:          a.sessions,
		Registry:       reg,
		Runner:         runner,
		Skills:         loader,
		SkillManager:   manager,
		WorkspacesRoot: cfg.Workspaces.Root,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return &server{
		app:      a,
		registry: reg,
		skills:   loader,
		gateway:  gw,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// serve runs the server until ctx is done. A nil listener listens on
// cfg.Server.Addr.
func serve(ctx context.Context, cfg *config.Config, rt runtime.Runtime, ln net.Listener) error {
	s, err := newServer(ctx, cfg, rt)
	if err != nil {
		return err
	}
	defer s.app.Close()
	logger := s.app.logger

	if cfg.Skills.Watch {
		w, err := skill.NewWatcher(s.skills, skill.WatcherOptions{Logger: logger})
		if err != nil {
			return fmt.Errorf("watching skills: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("skill watcher stopped", "error", err)
			}
		}()
	}

	if ln == nil {
		if ln, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	httpDone := make(chan error, 1)
	go func() { httpDone <- s.http.Shutdown(shutdownCtx) }()
	gwErr := s.gateway.Shutdown(shutdownCtx)
	return errors.Join(gwErr, <-httpDone)
}
