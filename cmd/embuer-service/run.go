package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/config"
	"github.com/embuer/embuer/internal/installer"
	"github.com/embuer/embuer/internal/metrics"
	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

const (
	maxWatchers = 64
	stopTimeout = 30 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update service in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if service.Interactive() {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		}

		prg := &program{cfg: cfg}
		s, err := newSVC(prg, newSVCConfig())
		if err != nil {
			return err
		}
		return s.Run()
	},
}

// program adapts runDaemon to the service manager's Start and Stop calls.
type program struct {
	cfg *config.Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	// Start must not block.
	go func() {
		defer close(p.done)
		err := runDaemon(ctx, p.cfg)
		if ctx.Err() == nil {
			// Stopped on its own; exit so the service manager can restart us.
			log.Fatalf("update service stopped: %v", err)
		}
		if err != nil {
			log.Errorf("update service stopped with errors: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	log.Info("stopping update service")
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return errors.New("timed out waiting for the update service to stop")
	}
}

// runDaemon serves the update API until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	pub, err := installer.LoadPublicKey(cfg.Update.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}

	inst, err := installer.New(installer.Options{
		DeploymentsDir: cfg.Update.DeploymentsDir,
		PublicKey:      pub,
		MinFreeBytes:   cfg.Update.MinFreeBytes,
		HTTPTimeout:    cfg.Update.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("create installer: %w", err)
	}

	machine := update.NewMachine(update.NewHub(cfg.Notify.WatcherBuffer))
	svc := update.NewService(machine, inst, cfg.Update.AutoInstall)

	broadcaster := ws.NewBroadcaster(svc, maxWatchers)
	server := ws.NewServer(svc, inst, broadcaster)

	var handler http.Handler
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.Instrument(svc)
		server.SetMetricsHandler(m.Handler())
		server.SetupRoutes(mux)
		handler = m.Middleware(mux)
	} else {
		server.SetupRoutes(mux)
		handler = mux
	}

	ln, err := ws.Listen(cfg.Server.Listen)
	if err != nil {
		svc.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}

	if cfg.CheckerEnabled() {
		go installer.NewChecker(cfg.Update.URL, cfg.Update.CheckInterval, svc).Start(ctx)
	}

	log.Infof("update service started, auto install: %t", cfg.Update.AutoInstall)

	var result *multierror.Error
	if err := ws.Serve(ctx, ln, handler); err != nil {
		result = multierror.Append(result, fmt.Errorf("serve api: %w", err))
	}
	broadcaster.Close()
	if err := svc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close update service: %w", err))
	}
	return result.ErrorOrNil()
}
