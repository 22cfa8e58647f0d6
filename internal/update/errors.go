package update

import "errors"

var (
	// ErrBusy is returned when an install request arrives while a pipeline
	// is still running. Requests are never queued.
	ErrBusy = errors.New("an update is already in progress")

	// ErrNoPendingUpdate is returned by confirmation calls outside an
	// AwaitingConfirmation episode.
	ErrNoPendingUpdate = errors.New("no pending update awaiting confirmation")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when a pipeline step is applied from
	// the wrong phase. The state is left untouched.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoUpdateAvailable lets an installer report that the source has
	// nothing to offer. The machine returns to Idle instead of Failed.
	ErrNoUpdateAvailable = errors.New("no update available")

	// ErrEpisodeAborted is returned to a pipeline waiting for confirmation
	// when the episode was failed by someone else.
	ErrEpisodeAborted = errors.New("confirmation episode aborted")

	// ErrWatcherTooSlow ends a subscription whose buffer overflowed.
	ErrWatcherTooSlow = errors.New("watcher too slow, re-subscribe to resume")
)
