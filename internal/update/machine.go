package update

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Machine owns the session state. Every command and every transition is
// applied under mu, and the resulting snapshot is published before mu is
// released, so watchers see transitions in order and never a partial one.
type Machine struct {
	mu      sync.Mutex
	status  Status
	source  string
	episode chan bool
	hub     *Hub
	hook    func(from, to Phase)
	log     *log.Entry
}

func NewMachine(hub *Hub) *Machine {
	if hub == nil {
		hub = NewHub(DefaultWatcherBuffer)
	}
	return &Machine{
		status: Status{Phase: Idle, Progress: ProgressNA},
		hub:    hub,
		log:    log.WithField("component", "machine"),
	}
}

// SetTransitionHook registers fn to run on every phase change. It runs
// under the machine lock and must not call back into the Machine.
func (m *Machine) SetTransitionHook(fn func(from, to Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

func (m *Machine) Hub() *Hub {
	return m.hub
}

// Status returns a snapshot of the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Clone()
}

// Subscribe attaches a watcher whose first event is the current state.
func (m *Machine) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.subscribe(m.status)
}

// Begin claims the pipeline for source and enters Clearing. Terminal phases
// are not sticky; any request outside an active pipeline is accepted.
func (m *Machine) Begin(source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase.Active() {
		return ErrBusy
	}
	m.source = source
	m.transition(Clearing, source, ProgressNA, nil)
	return nil
}

// StartInstalling moves a successful pre-flight into Installing.
func (m *Machine) StartInstalling() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != Clearing {
		return m.invalid("start installing")
	}
	m.transition(Installing, m.source, 0, nil)
	return nil
}

// SetProgress records install progress. Unchanged values are not published.
func (m *Machine) SetProgress(progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != Installing {
		return m.invalid("set progress")
	}
	progress = min(max(progress, 0), 100)
	if progress == m.status.Progress {
		return nil
	}
	m.transition(Installing, m.status.Details, progress, nil)
	return nil
}

// Reset abandons a pre-flight that found nothing to install.
func (m *Machine) Reset(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != Clearing {
		return m.invalid("reset")
	}
	m.log.Infof("returning to idle: %s", reason)
	m.transition(Idle, "", ProgressNA, nil)
	return nil
}

// Complete finishes the pipeline with the name of the new deployment.
func (m *Machine) Complete(deployment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != Installing {
		return m.invalid("complete")
	}
	m.transition(Completed, fmt.Sprintf("%s installed as %s", m.source, deployment), 100, nil)
	return nil
}

// Fail ends the active pipeline. From AwaitingConfirmation it also closes
// the episode, so a later Confirm reports ErrNoPendingUpdate.
func (m *Machine) Fail(cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Phase.Active() {
		return m.invalid("fail")
	}
	m.failLocked(cause)
	return nil
}

func (m *Machine) failLocked(cause error) {
	progress := m.status.Progress
	if m.status.Phase != Installing {
		progress = ProgressNA
	}
	if m.episode != nil {
		close(m.episode)
		m.episode = nil
	}
	m.transition(Failed, fmt.Sprintf("%s: %v", m.source, cause), progress, nil)
}

// PendingUpdate returns the update awaiting confirmation. It is a plain
// read and may be repeated.
func (m *Machine) PendingUpdate() (PendingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != AwaitingConfirmation || m.status.Pending == nil {
		return PendingUpdate{}, ErrNoPendingUpdate
	}
	return *m.status.Pending, nil
}

// Confirm resolves the current episode. Accepting resumes Installing,
// rejecting returns to Idle. The phase leaves AwaitingConfirmation before
// the lock is released, which makes a second call fail.
func (m *Machine) Confirm(accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != AwaitingConfirmation || m.episode == nil {
		return ErrNoPendingUpdate
	}
	decision := m.episode
	m.episode = nil
	if accept {
		m.log.Info("update accepted, installation will proceed")
		m.transition(Installing, m.source, 0, nil)
	} else {
		m.log.Info("update rejected")
		m.transition(Idle, "", ProgressNA, nil)
	}
	decision <- accept
	return nil
}

// AwaitConfirmation opens an episode for pending and blocks until Confirm
// decides it or ctx ends. Cancellation fails the pipeline, unless Confirm
// got there first, in which case its decision wins. If Fail closes the
// episode from elsewhere, ErrEpisodeAborted is returned.
func (m *Machine) AwaitConfirmation(ctx context.Context, pending PendingUpdate) (bool, error) {
	m.mu.Lock()
	if m.status.Phase != Installing {
		m.mu.Unlock()
		return false, m.invalid("await confirmation")
	}
	if pending.Source == "" {
		pending.Source = m.source
	}
	decision := make(chan bool, 1)
	m.episode = decision
	m.transition(AwaitingConfirmation, fmt.Sprintf("%s (%s)", pending.Version, pending.Source), ProgressNA, &pending)
	m.mu.Unlock()

	m.log.Infof("waiting for user confirmation to install %s", pending.Version)

	select {
	case accept, ok := <-decision:
		if !ok {
			return false, ErrEpisodeAborted
		}
		return accept, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	if m.episode == decision {
		m.failLocked(fmt.Errorf("confirmation abandoned: %w", ctx.Err()))
		m.mu.Unlock()
		return false, ctx.Err()
	}
	m.mu.Unlock()

	accept, ok := <-decision
	if !ok {
		return false, ErrEpisodeAborted
	}
	return accept, nil
}

func (m *Machine) invalid(op string) error {
	return fmt.Errorf("%s from %s: %w", op, m.status.Phase, ErrInvalidTransition)
}

// transition must be called with mu held.
func (m *Machine) transition(to Phase, details string, progress int, pending *PendingUpdate) {
	from := m.status.Phase
	m.status = Status{
		Phase:    to,
		Details:  details,
		Progress: progress,
		Pending:  pending,
		Seq:      m.status.Seq + 1,
	}
	if from != to {
		m.log.Debugf("%s -> %s: %s", from, to, details)
		if m.hook != nil {
			m.hook(from, to)
		}
	}
	m.hub.publish(m.status)
}
