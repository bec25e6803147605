package approval

import "fmt"

// State is the approval lifecycle of one tool invocation.
//
// The machine is:
//
//	pending  -> approved | rejected
//	approved -> loading | completed | error
//	loading  -> approved | completed | error
//
// "approved" reached from "loading" is the finalize broadcast and is terminal;
// it may be re-broadcast once with operator feedback attached. "completed" is
// the journal-facing resolution record ("approved"/"denied" decision), never a
// live broadcast.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateLoading   State = "loading"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Terminal reports whether no further distinct state may follow.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateError:
		return true
	default:
		return false
	}
}

func (s State) canAdvance(to State) bool {
	switch s {
	case StatePending:
		return to == StateApproved || to == StateRejected || to == StateError
	case StateApproved:
		return to == StateApproved || to == StateLoading || to == StateCompleted || to == StateError
	case StateLoading:
		return to == StateLoading || to == StateApproved || to == StateCompleted || to == StateError
	default:
		return false
	}
}

// Tracker enforces monotonic state progression for one invocation, so a stale
// broadcast can never overwrite a later state.
type Tracker struct {
	cur       State
	finalized bool
}

func NewTracker() *Tracker {
	return &Tracker{cur: StatePending}
}

func (t *Tracker) Current() State {
	if t == nil {
		return StatePending
	}
	return t.cur
}

// Advance moves the tracker to the next state. Re-broadcasting the final
// "approved" payload (the feedback follow-up) is permitted; everything else
// must follow the machine.
func (t *Tracker) Advance(to State) error {
	if t == nil {
		return fmt.Errorf("nil tracker")
	}
	if t.finalized && !(t.cur == StateApproved && to == StateApproved) {
		return fmt.Errorf("approval state already terminal (%s)", t.cur)
	}
	if !t.cur.canAdvance(to) {
		return fmt.Errorf("invalid approval transition %s -> %s", t.cur, to)
	}
	prev := t.cur
	t.cur = to
	if to.Terminal() || (prev == StateLoading && to == StateApproved) || (prev == StateApproved && to == StateApproved) {
		t.finalized = true
	}
	return nil
}

// Finalized reports whether a terminal outcome has been reached.
func (t *Tracker) Finalized() bool {
	return t != nil && t.finalized
}

// EarlyExit tracks whether a command's process reported natural completion
// before the race timeout, which decides if further output pushes still
// carry meaning for observers.
type EarlyExit string

const (
	EarlyExitPending  EarlyExit = "pending"
	EarlyExitApproved EarlyExit = "approved"
	EarlyExitRejected EarlyExit = "rejected"
)
