package client

import "github.com/embuer/embuer/internal/update"

// EdgeDetector reports the first status of each confirmation episode. The
// phase is frozen while an episode lasts, so its Seq identifies it: a
// repeated snapshot carries the same Seq and any other Seq, including a
// lower one after a service restart, is a new episode.
type EdgeDetector struct {
	waiting bool
	lastSeq uint64
}

func (d *EdgeDetector) Observe(st update.Status) bool {
	if st.Phase != update.AwaitingConfirmation {
		d.waiting = false
		return false
	}
	if d.waiting && st.Seq == d.lastSeq {
		return false
	}
	d.waiting = true
	d.lastSeq = st.Seq
	return true
}
