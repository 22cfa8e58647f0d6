package update

import (
	"encoding/json"
	"fmt"
)

type Phase int

const (
	Idle Phase = iota
	Clearing
	Installing
	AwaitingConfirmation
	Failed
	Completed
)

// ProgressNA is reported whenever the phase has no meaningful percentage.
const ProgressNA = -1

var phaseNames = map[Phase]string{
	Idle:                 "Idle",
	Clearing:             "Clearing",
	Installing:           "Installing",
	AwaitingConfirmation: "AwaitingConfirmation",
	Failed:               "Failed",
	Completed:            "Completed",
}

var phaseFromName = map[string]Phase{
	"Idle":                 Idle,
	"Clearing":             Clearing,
	"Installing":           Installing,
	"AwaitingConfirmation": AwaitingConfirmation,
	"Failed":               Failed,
	"Completed":            Completed,
}

// Phases lists every phase in declaration order.
func Phases() []Phase {
	return []Phase{Idle, Clearing, Installing, AwaitingConfirmation, Failed, Completed}
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "Unknown"
}

// ParsePhase maps a wire name back to a Phase.
func ParsePhase(name string) (Phase, error) {
	if p, ok := phaseFromName[name]; ok {
		return p, nil
	}
	return Idle, fmt.Errorf("unknown phase %q", name)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Active reports whether an install pipeline occupies the machine.
func (p Phase) Active() bool {
	return p == Clearing || p == Installing || p == AwaitingConfirmation
}

// Terminal reports whether the phase ends a pipeline run.
func (p Phase) Terminal() bool {
	return p == Completed || p == Failed
}

// PendingUpdate describes an update that passed validation and is waiting
// for a human to accept or reject it.
type PendingUpdate struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
	Source    string `json:"source"`
}

// Status is an immutable snapshot of the session. Values handed out by the
// Machine are copies and may be retained freely.
type Status struct {
	Phase    Phase          `json:"phase"`
	Details  string         `json:"details"`
	Progress int            `json:"progress"`
	Pending  *PendingUpdate `json:"pending,omitempty"`
	Seq      uint64         `json:"seq"`
}

// Clone returns a deep copy so the pending record is never shared.
func (s Status) Clone() Status {
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	return s
}

// HasProgress reports whether Progress carries a percentage.
func (s Status) HasProgress() bool {
	return s.Progress != ProgressNA
}

func (s Status) String() string {
	if s.HasProgress() {
		return fmt.Sprintf("%s %q (%d%%)", s.Phase, s.Details, s.Progress)
	}
	return fmt.Sprintf("%s %q", s.Phase, s.Details)
}
