package approval

import "testing"

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StatePending, StateApproved, true},
		{StatePending, StateRejected, true},
		{StatePending, StateError, true},
		{StatePending, StateLoading, false},
		{StatePending, StateCompleted, false},
		{StateApproved, StateLoading, true},
		{StateApproved, StateCompleted, true},
		{StateApproved, StateError, true},
		{StateLoading, StateApproved, true},
		{StateLoading, StateLoading, true},
		{StateLoading, StateError, true},
		{StateLoading, StateRejected, false},
		{StateRejected, StateApproved, false},
		{StateError, StateLoading, false},
		{StateCompleted, StateApproved, false},
	}
	for _, tc := range cases {
		if got := tc.from.canAdvance(tc.to); got != tc.ok {
			t.Errorf("canAdvance(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTrackerFinalizesOnce(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	steps := []State{StateApproved, StateLoading, StateLoading, StateApproved}
	for _, s := range steps {
		if err := tr.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if !tr.Finalized() {
		t.Fatal("loading -> approved must finalize")
	}

	// Feedback follow-up re-broadcasts the final approved payload.
	if err := tr.Advance(StateApproved); err != nil {
		t.Fatalf("approved re-broadcast after finalize: %v", err)
	}

	if err := tr.Advance(StateLoading); err == nil {
		t.Fatal("advance past terminal state must fail")
	}
	if err := tr.Advance(StateError); err == nil {
		t.Fatal("error after finalize must fail")
	}
}

func TestTrackerRejectionIsTerminal(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if err := tr.Advance(StateRejected); err != nil {
		t.Fatalf("Advance(rejected): %v", err)
	}
	if !tr.Finalized() {
		t.Fatal("rejected must finalize")
	}
	if err := tr.Advance(StateApproved); err == nil {
		t.Fatal("rejected -> approved must fail")
	}
}
