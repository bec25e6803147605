package gate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/engine"
)

type autoChannel struct {
	mu     sync.Mutex
	answer approval.Answer
	asks   int
}

func (c *autoChannel) Ask(context.Context, approval.Payload) (approval.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asks++
	return c.answer, nil
}

func (c *autoChannel) UpdateAsk(approval.Payload) {}

func (c *autoChannel) Say(approval.SayKind, string, []string) {}

type instantProc struct{ done chan struct{} }

func newInstantProc() *instantProc {
	p := &instantProc{done: make(chan struct{})}
	close(p.done)
	return p
}

func (p *instantProc) Lines() <-chan string { return nil }

func (p *instantProc) Completed() <-chan struct{} { return p.done }

func (p *instantProc) Errs() <-chan error { return nil }

func (p *instantProc) NoShellIntegration() <-chan struct{} { return nil }

func (p *instantProc) ExitCode() (int, bool) { return 0, true }

// memDiffSession records the preview lifecycle in memory.
type memDiffSession struct {
	mu       sync.Mutex
	openPath string
	updates  []string
	saved    bool
	reverted bool
}

func (d *memDiffSession) Open(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openPath = path
	return nil
}

func (d *memDiffSession) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openPath != "" && !d.saved && !d.reverted
}

func (d *memDiffSession) Update(content string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, content)
	return nil
}

func (d *memDiffSession) SaveChanges() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = true
	return "", nil
}

func (d *memDiffSession) RevertChanges() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reverted = true
	return nil
}

func (d *memDiffSession) path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openPath
}

func (d *memDiffSession) state() (saved, reverted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saved, d.reverted
}

type memDiffProvider struct{ sess *memDiffSession }

func (p *memDiffProvider) NewSession() engine.DiffSession { return p.sess }

func (p *memDiffProvider) Exists(string) bool { return false }

type instantTerm struct{}

func (instantTerm) GetOrCreateTerminal(_ context.Context, cwd string) (engine.Terminal, error) {
	return engine.Terminal{ID: "t", Cwd: cwd}, nil
}

func (instantTerm) RunCommand(context.Context, engine.Terminal, string, engine.RunOptions) (engine.Process, error) {
	return newInstantProc(), nil
}

func (instantTerm) Release(engine.Process) {}

func (instantTerm) CloseTerminal(string) error { return nil }

func testService(ch approval.Channel) *Service {
	return NewService(Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   &config.Config{RootDir: "/w"},
		Channel:  ch,
		Terminal: instantTerm{},
	})
}

func TestNewInvocationIDMonotonic(t *testing.T) {
	t.Parallel()

	s := testService(&autoChannel{})
	var prev int64
	for i := 0; i < 100; i++ {
		ts := s.NewInvocationID()
		if ts <= prev {
			t.Fatalf("id %d not greater than %d", ts, prev)
		}
		prev = ts
	}
}

func TestInvokeCommandSynchronously(t *testing.T) {
	t.Parallel()

	ch := &autoChannel{answer: approval.Answer{Response: approval.ResponseYes}}
	s := testService(ch)

	res := s.Invoke(context.Background(), engine.Invocation{
		Ts: s.NewInvocationID(), Kind: engine.KindExecuteCommand, Command: "true",
	}, "/w")

	if !strings.Contains(res.Text, "completed successfully") {
		t.Fatalf("result = %q", res.Text)
	}
	if ch.asks != 1 {
		t.Fatalf("asks = %d, want 1", ch.asks)
	}
}

func TestStartDetachedRetainsResult(t *testing.T) {
	t.Parallel()

	ch := &autoChannel{answer: approval.Answer{Response: approval.ResponseNo}}
	s := testService(ch)

	ts := s.NewInvocationID()
	s.StartDetached(engine.Invocation{Ts: ts, Kind: engine.KindExecuteCommand, Command: "true"}, "/w")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := s.Result(ts); ok {
			if !strings.Contains(res.Text, "denied") {
				t.Fatalf("result = %q", res.Text)
			}
			if s.Running(ts) {
				t.Fatal("finished invocation still listed as running")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("detached invocation never finished")
}

func TestStreamingWritePartialThenCommit(t *testing.T) {
	t.Parallel()

	ch := &autoChannel{answer: approval.Answer{Response: approval.ResponseYes}}
	sess := &memDiffSession{}
	s := NewService(Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   &config.Config{RootDir: "/w"},
		Channel:  ch,
		Terminal: instantTerm{},
		Diffs:    &memDiffProvider{sess: sess},
	})

	ts := s.NewInvocationID()
	s.BeginWrite(engine.Invocation{Ts: ts, Kind: engine.KindWriteToFile, Path: "notes.txt"}, "/w")

	// A partial push before commit opens the preview under the invocation
	// path, not an empty one.
	s.PushPartial(ts, "partial content")
	if got := sess.path(); got != "notes.txt" {
		t.Fatalf("preview opened with path %q, want notes.txt", got)
	}

	if !s.Commit(ts, "final content") {
		t.Fatal("commit of staged invocation must succeed")
	}
	if s.Commit(ts, "again") {
		t.Fatal("second commit must fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := s.Result(ts); ok {
			if !strings.Contains(res.Text, "successfully saved to notes.txt") {
				t.Fatalf("result = %q", res.Text)
			}
			if saved, _ := sess.state(); !saved {
				t.Fatal("committed write must save the preview")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("committed write never finished")
}

func TestAbortStagedWriteReverts(t *testing.T) {
	t.Parallel()

	sess := &memDiffSession{}
	s := NewService(Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   &config.Config{RootDir: "/w"},
		Channel:  &autoChannel{},
		Terminal: instantTerm{},
		Diffs:    &memDiffProvider{sess: sess},
	})

	ts := s.NewInvocationID()
	s.BeginWrite(engine.Invocation{Ts: ts, Kind: engine.KindWriteToFile, Path: "draft.txt"}, "/w")
	s.PushPartial(ts, "half")

	if !s.Abort(ts) {
		t.Fatal("abort of staged invocation must succeed")
	}
	if _, reverted := sess.state(); !reverted {
		t.Fatal("aborted staged write must revert the preview")
	}
	if s.Commit(ts, "late") {
		t.Fatal("commit after abort must fail")
	}
	res, ok := s.Result(ts)
	if !ok || !strings.Contains(res.Text, "aborted before commit") {
		t.Fatalf("result = %q, ok = %v", res.Text, ok)
	}
}

func TestAbortUnknownInvocation(t *testing.T) {
	t.Parallel()

	s := testService(&autoChannel{})
	if s.Abort(12345) {
		t.Fatal("abort of unknown invocation must report false")
	}
}

func TestInvokeUnknownKind(t *testing.T) {
	t.Parallel()

	s := testService(&autoChannel{})
	res := s.Invoke(context.Background(), engine.Invocation{Ts: 1, Kind: engine.Kind("mystery")}, "/w")
	if !strings.Contains(res.Text, "unknown tool kind") {
		t.Fatalf("result = %q", res.Text)
	}
}
