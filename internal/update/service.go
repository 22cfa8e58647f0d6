package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned for install requests after Close.
var ErrClosed = errors.New("update service is shutting down")

type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceURL
)

func (k SourceKind) String() string {
	if k == SourceURL {
		return "url"
	}
	return "file"
}

// Source identifies where an update package comes from.
type Source struct {
	Kind     SourceKind
	Location string
}

func (s Source) String() string {
	return s.Location
}

// ProgressFunc receives install progress as a percentage.
type ProgressFunc func(percent int)

// Package is an opened update whose metadata has been read but whose
// payload has not been applied yet.
type Package interface {
	Version() string
	Changelog() string
	// Apply installs the payload and returns the new deployment name.
	Apply(ctx context.Context, progress ProgressFunc) (string, error)
	Close() error
}

// Installer does the work wrapped by the state machine. Preflight runs in
// Clearing; Open and Package.Apply run in Installing.
type Installer interface {
	Preflight(ctx context.Context, src Source) error
	Open(ctx context.Context, src Source) (Package, error)
}

// Hooks observe service level events. Any field may be nil.
type Hooks struct {
	Request func(kind SourceKind, err error)
	Confirm func(accept bool)
}

// Service runs at most one install pipeline at a time on top of a Machine.
type Service struct {
	machine     *Machine
	installer   Installer
	autoInstall bool
	hooks       Hooks

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a service. When autoInstall is false every package
// goes through a confirmation episode before it is applied.
func NewService(machine *Machine, installer Installer, autoInstall bool) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		machine:     machine,
		installer:   installer,
		autoInstall: autoInstall,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetHooks must be called before the service handles requests.
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

func (s *Service) Machine() *Machine {
	return s.machine
}

func (s *Service) Status() Status {
	return s.machine.Status()
}

func (s *Service) Subscribe() *Subscription {
	return s.machine.Subscribe()
}

func (s *Service) PendingUpdate() (PendingUpdate, error) {
	return s.machine.PendingUpdate()
}

// InstallFromFile queues an install of the archive at path.
func (s *Service) InstallFromFile(path string) (string, error) {
	if err := s.submit(Source{Kind: SourceFile, Location: path}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Update request queued for file: %s", path), nil
}

// InstallFromURL queues an install of the archive served at url.
func (s *Service) InstallFromURL(url string) (string, error) {
	if err := s.submit(Source{Kind: SourceURL, Location: url}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Update request queued for URL: %s", url), nil
}

// Confirm accepts or rejects the pending update.
func (s *Service) Confirm(accept bool) (string, error) {
	if err := s.machine.Confirm(accept); err != nil {
		return "", err
	}
	if s.hooks.Confirm != nil {
		s.hooks.Confirm(accept)
	}
	if accept {
		return "Update accepted, installation will proceed", nil
	}
	return "Update rejected", nil
}

func (s *Service) submit(src Source) error {
	err := s.start(src)
	if s.hooks.Request != nil {
		s.hooks.Request(src.Kind, err)
	}
	return err
}

func (s *Service) start(src Source) error {
	if strings.TrimSpace(src.Location) == "" {
		return fmt.Errorf("empty %s source: %w", src.Kind, ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.machine.Begin(src.Location); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run(s.ctx, src)
	return nil
}

func (s *Service) run(ctx context.Context, src Source) {
	defer s.wg.Done()
	l := log.WithFields(log.Fields{"component": "pipeline", "source": src.Location})
	l.Infof("processing update request from %s", src.Kind)

	if err := s.installer.Preflight(ctx, src); err != nil {
		if errors.Is(err, ErrNoUpdateAvailable) {
			l.Info("no update available")
			s.must(l, s.machine.Reset(err.Error()))
			return
		}
		l.Errorf("pre-flight checks failed: %v", err)
		s.must(l, s.machine.Fail(err))
		return
	}

	if err := s.machine.StartInstalling(); err != nil {
		l.Errorf("cannot start installing: %v", err)
		return
	}

	pkg, err := s.installer.Open(ctx, src)
	if err != nil {
		l.Errorf("failed to read update contents: %v", err)
		s.must(l, s.machine.Fail(err))
		return
	}
	defer func() {
		if err := pkg.Close(); err != nil {
			l.Warnf("failed to close package: %v", err)
		}
	}()

	if !s.autoInstall {
		accept, err := s.machine.AwaitConfirmation(ctx, PendingUpdate{
			Version:   pkg.Version(),
			Changelog: pkg.Changelog(),
			Source:    src.Location,
		})
		if err != nil {
			l.Warnf("confirmation did not complete: %v", err)
			return
		}
		if !accept {
			l.Infof("update %s rejected by user", pkg.Version())
			return
		}
	}

	deployment, err := pkg.Apply(ctx, func(p int) {
		if err := s.machine.SetProgress(p); err != nil {
			l.Debugf("progress update dropped: %v", err)
		}
	})
	if err != nil {
		l.Errorf("update failed: %v", err)
		s.must(l, s.machine.Fail(err))
		return
	}

	l.Infof("update installed successfully: %s", deployment)
	s.must(l, s.machine.Complete(deployment))
}

func (s *Service) must(l *log.Entry, err error) {
	if err != nil {
		l.Errorf("state machine rejected pipeline step: %v", err)
	}
}

// Close stops accepting requests, cancels the running pipeline and waits
// for it to settle. A pipeline waiting for confirmation ends in Failed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
