package update

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// awaitInBackground opens a confirmation episode from a goroutine, the way
// the pipeline does, and returns once the machine reports it.
func awaitInBackground(t *testing.T, ctx context.Context, m *Machine, p PendingUpdate) <-chan bool {
	t.Helper()
	out := make(chan bool, 1)
	go func() {
		accept, err := m.AwaitConfirmation(ctx, p)
		if err != nil {
			close(out)
			return
		}
		out <- accept
	}()
	require.Eventually(t, func() bool {
		return m.Status().Phase == AwaitingConfirmation
	}, time.Second, time.Millisecond)
	return out
}

func TestNewMachineStartsIdle(t *testing.T) {
	m := NewMachine(nil)
	st := m.Status()

	assert.Equal(t, Idle, st.Phase)
	assert.Equal(t, "", st.Details)
	assert.Equal(t, ProgressNA, st.Progress)
	assert.Nil(t, st.Pending)
}

func TestBeginRejectsWhileActive(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, m *Machine)
		want  error
	}{
		{
			name:  "idle accepts",
			setup: func(t *testing.T, m *Machine) {},
		},
		{
			name: "clearing is busy",
			setup: func(t *testing.T, m *Machine) {
				require.NoError(t, m.Begin("a"))
			},
			want: ErrBusy,
		},
		{
			name: "installing is busy",
			setup: func(t *testing.T, m *Machine) {
				require.NoError(t, m.Begin("a"))
				require.NoError(t, m.StartInstalling())
			},
			want: ErrBusy,
		},
		{
			name: "awaiting confirmation is busy",
			setup: func(t *testing.T, m *Machine) {
				require.NoError(t, m.Begin("a"))
				require.NoError(t, m.StartInstalling())
				awaitInBackground(t, context.Background(), m, PendingUpdate{Version: "1"})
			},
			want: ErrBusy,
		},
		{
			name: "completed is not sticky",
			setup: func(t *testing.T, m *Machine) {
				require.NoError(t, m.Begin("a"))
				require.NoError(t, m.StartInstalling())
				require.NoError(t, m.Complete("d1"))
			},
		},
		{
			name: "failed is not sticky",
			setup: func(t *testing.T, m *Machine) {
				require.NoError(t, m.Begin("a"))
				require.NoError(t, m.Fail(errors.New("boom")))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil)
			tt.setup(t, m)
			err := m.Begin("b")
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, Clearing, m.Status().Phase)
				assert.Equal(t, "b", m.Status().Details)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConcurrentBeginHasOneWinner(t *testing.T) {
	m := NewMachine(nil)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Begin("pkg.bin")
		}()
	}
	wg.Wait()
	close(errs)

	wins, busy := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, busy)
}

func TestPipelineStepsRejectWrongPhase(t *testing.T) {
	m := NewMachine(nil)

	assert.ErrorIs(t, m.StartInstalling(), ErrInvalidTransition)
	assert.ErrorIs(t, m.SetProgress(10), ErrInvalidTransition)
	assert.ErrorIs(t, m.Complete("d"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Fail(errors.New("x")), ErrInvalidTransition)
	assert.ErrorIs(t, m.Reset("x"), ErrInvalidTransition)
	_, err := m.AwaitConfirmation(context.Background(), PendingUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, uint64(0), m.Status().Seq, "rejected steps must not publish")
}

func TestProgress(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("src"))
	assert.Equal(t, ProgressNA, m.Status().Progress, "clearing has no percentage")

	require.NoError(t, m.StartInstalling())
	assert.Equal(t, 0, m.Status().Progress)

	require.NoError(t, m.SetProgress(42))
	seq := m.Status().Seq
	require.NoError(t, m.SetProgress(42))
	assert.Equal(t, seq, m.Status().Seq, "unchanged progress must not publish")

	require.NoError(t, m.SetProgress(250))
	assert.Equal(t, 100, m.Status().Progress)
	require.NoError(t, m.SetProgress(-3))
	assert.Equal(t, 0, m.Status().Progress)

	require.NoError(t, m.SetProgress(64))
	require.NoError(t, m.Fail(errors.New("disk full")))
	st := m.Status()
	assert.Equal(t, Failed, st.Phase)
	assert.Equal(t, 64, st.Progress, "failed keeps last progress")
	assert.Equal(t, "src: disk full", st.Details)
}

func TestCompleteDetails(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("/tmp/pkg.bin"))
	require.NoError(t, m.StartInstalling())
	require.NoError(t, m.Complete("2.0-abcd"))

	st := m.Status()
	assert.Equal(t, Completed, st.Phase)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "/tmp/pkg.bin installed as 2.0-abcd", st.Details)
}

func TestResetReturnsToIdle(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("http://x/update.tar"))
	require.NoError(t, m.Reset("no update available"))

	st := m.Status()
	assert.Equal(t, Idle, st.Phase)
	assert.Equal(t, ProgressNA, st.Progress)
}

func TestConfirmationReject(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("url"))
	require.NoError(t, m.StartInstalling())
	decision := awaitInBackground(t, context.Background(), m, PendingUpdate{Version: "2.0", Changelog: "fixes"})

	st := m.Status()
	require.NotNil(t, st.Pending)
	assert.Equal(t, "2.0 (url)", st.Details)
	assert.Equal(t, ProgressNA, st.Progress)

	p, err := m.PendingUpdate()
	require.NoError(t, err)
	assert.Equal(t, PendingUpdate{Version: "2.0", Changelog: "fixes", Source: "url"}, p)

	again, err := m.PendingUpdate()
	require.NoError(t, err)
	assert.Equal(t, p, again, "reading the pending update does not consume it")

	require.NoError(t, m.Confirm(false))
	assert.False(t, <-decision)

	st = m.Status()
	assert.Equal(t, Idle, st.Phase)
	assert.Nil(t, st.Pending)

	_, err = m.PendingUpdate()
	assert.ErrorIs(t, err, ErrNoPendingUpdate)
}

func TestConfirmIsExactlyOnce(t *testing.T) {
	for _, accept := range []bool{true, false} {
		m := NewMachine(nil)
		require.NoError(t, m.Begin("src"))
		require.NoError(t, m.StartInstalling())
		decision := awaitInBackground(t, context.Background(), m, PendingUpdate{Version: "1"})

		require.NoError(t, m.Confirm(accept))
		assert.ErrorIs(t, m.Confirm(accept), ErrNoPendingUpdate)
		assert.ErrorIs(t, m.Confirm(!accept), ErrNoPendingUpdate)
		assert.Equal(t, accept, <-decision)
	}
}

func TestConfirmWithoutEpisode(t *testing.T) {
	m := NewMachine(nil)
	assert.ErrorIs(t, m.Confirm(true), ErrNoPendingUpdate)
	assert.Equal(t, Idle, m.Status().Phase)
	assert.Equal(t, uint64(0), m.Status().Seq)
}

func TestConfirmAcceptResumesInstalling(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("src"))
	require.NoError(t, m.StartInstalling())
	decision := awaitInBackground(t, context.Background(), m, PendingUpdate{Version: "3"})

	require.NoError(t, m.Confirm(true))
	assert.True(t, <-decision)

	st := m.Status()
	assert.Equal(t, Installing, st.Phase)
	assert.Equal(t, 0, st.Progress)
	assert.Nil(t, st.Pending)
}

func TestAwaitConfirmationCancelled(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("src"))
	require.NoError(t, m.StartInstalling())

	ctx, cancel := context.WithCancel(context.Background())
	done := awaitInBackground(t, ctx, m, PendingUpdate{Version: "1"})
	cancel()

	_, ok := <-done
	assert.False(t, ok, "cancelled wait reports an error")

	st := m.Status()
	assert.Equal(t, Failed, st.Phase)
	assert.Nil(t, st.Pending)
	assert.ErrorIs(t, m.Confirm(true), ErrNoPendingUpdate)
}

func TestFailClosesEpisode(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin("src"))
	require.NoError(t, m.StartInstalling())

	out := make(chan error, 1)
	go func() {
		_, err := m.AwaitConfirmation(context.Background(), PendingUpdate{Version: "1"})
		out <- err
	}()
	require.Eventually(t, func() bool {
		return m.Status().Phase == AwaitingConfirmation
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Fail(errors.New("power loss")))
	assert.ErrorIs(t, <-out, ErrEpisodeAborted)
	assert.Nil(t, m.Status().Pending)
}

func TestTransitionHook(t *testing.T) {
	m := NewMachine(nil)
	var got [][2]Phase
	m.SetTransitionHook(func(from, to Phase) {
		got = append(got, [2]Phase{from, to})
	})

	require.NoError(t, m.Begin("src"))
	require.NoError(t, m.StartInstalling())
	require.NoError(t, m.SetProgress(50))
	require.NoError(t, m.Complete("d"))

	assert.Equal(t, [][2]Phase{
		{Idle, Clearing},
		{Clearing, Installing},
		{Installing, Completed},
	}, got)
}

// TestRandomSequencesKeepInvariants drives the machine with random commands
// and checks every published snapshot.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	m := NewMachine(NewHub(4096))
	sub := m.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		switch rng.IntN(9) {
		case 0:
			_ = m.Begin("src")
		case 1:
			_ = m.StartInstalling()
		case 2:
			_ = m.SetProgress(rng.IntN(101))
		case 3:
			_ = m.Complete("d")
		case 4:
			_ = m.Fail(errors.New("x"))
		case 5:
			_ = m.Reset("none")
		case 6:
			if m.Status().Phase == Installing {
				awaitInBackground(t, ctx, m, PendingUpdate{Version: "v"})
			}
		case 7:
			_ = m.Confirm(true)
		case 8:
			_ = m.Confirm(false)
		}
	}

	var last uint64
	active := 0
	for {
		select {
		case st := <-sub.Events():
			if last > 0 || st.Seq > 0 {
				assert.Greater(t, st.Seq, last, "snapshots arrive in order")
			}
			last = st.Seq
			assert.Equal(t, st.Phase == AwaitingConfirmation, st.Pending != nil, "pending iff awaiting at seq %d", st.Seq)
			if st.Phase == Idle || st.Phase == AwaitingConfirmation {
				assert.Equal(t, ProgressNA, st.Progress)
			}
			if st.Phase.Active() {
				active++
			}
		default:
			assert.Positive(t, active)
			assert.Equal(t, m.Status().Seq, last)
			return
		}
	}
}
