package invokestore

import (
	"path/filepath"
	"testing"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/engine"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJournalLifecycle(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	s.Begin(engine.Invocation{Ts: 1000, Kind: engine.KindExecuteCommand, Command: "echo hi"})
	r, ok, err := s.Get(1000)
	if err != nil || !ok {
		t.Fatalf("Get after Begin: %v %v", ok, err)
	}
	if r.State != approval.StatePending || r.Input != "echo hi" {
		t.Fatalf("record = %+v", r)
	}

	s.SetState(1000, approval.StateLoading)
	s.Finish(1000, approval.StateApproved, "completed", 1234, "nice")

	r, ok, err = s.Get(1000)
	if err != nil || !ok {
		t.Fatalf("Get after Finish: %v %v", ok, err)
	}
	if r.State != approval.StateCompleted || r.Outcome != "completed" || r.DurationMS != 1234 || r.Feedback != "nice" {
		t.Fatalf("record = %+v", r)
	}
}

func TestJournalDenialKeepsRejectedState(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Begin(engine.Invocation{Ts: 2000, Kind: engine.KindWriteToFile, Path: "a.txt"})
	s.Finish(2000, approval.StateRejected, "", 10, "wrong approach")

	r, ok, err := s.Get(2000)
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if r.State != approval.StateRejected || r.Input != "a.txt" {
		t.Fatalf("record = %+v", r)
	}
}

func TestJournalListNewestFirst(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	for ts := int64(1); ts <= 5; ts++ {
		s.Begin(engine.Invocation{Ts: ts, Kind: engine.KindExecuteCommand, Command: "c"})
	}

	recs, err := s.List(3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 || recs[0].Ts != 5 || recs[2].Ts != 3 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestJournalFinishUnknownTsIsNoop(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Finish(999, approval.StateError, "", 0, "")

	if _, ok, err := s.Get(999); err != nil || ok {
		t.Fatalf("unknown ts must stay absent: %v %v", ok, err)
	}
}

func TestJournalNilStoreTolerated(t *testing.T) {
	t.Parallel()

	var s *Store
	s.Begin(engine.Invocation{Ts: 1})
	s.SetState(1, approval.StateLoading)
	s.Finish(1, approval.StateError, "", 0, "")
	if err := s.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
