package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/toolgate/toolgate/internal/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sayCall struct {
	kind   approval.SayKind
	text   string
	images []string
}

// fakeChannel answers every ask with a scripted response and records all
// traffic.
type fakeChannel struct {
	mu      sync.Mutex
	answer  approval.Answer
	askErr  error
	asks    []approval.Payload
	updates []approval.Payload
	says    []sayCall
}

func (c *fakeChannel) Ask(_ context.Context, p approval.Payload) (approval.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asks = append(c.asks, p)
	if c.askErr != nil {
		return approval.Answer{}, c.askErr
	}
	return c.answer, nil
}

func (c *fakeChannel) UpdateAsk(p approval.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, p)
}

func (c *fakeChannel) Say(kind approval.SayKind, text string, images []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.says = append(c.says, sayCall{kind: kind, text: text, images: images})
}

func (c *fakeChannel) finalUpdate() (approval.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return approval.Payload{}, false
	}
	return c.updates[len(c.updates)-1], true
}

func (c *fakeChannel) terminalUpdates() []approval.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []approval.Payload
	for _, u := range c.updates {
		if u.State.Terminal() || (u.State == approval.StateApproved && u.Outcome != "") {
			out = append(out, u)
		}
	}
	return out
}

// fakeProc is a scriptable Process.
type fakeProc struct {
	lines    chan string
	done     chan struct{}
	errs     chan error
	noShell  chan struct{}
	exitCode int
	exitSet  bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
		errs:    make(chan error, 1),
		noShell: make(chan struct{}),
	}
}

func (p *fakeProc) Lines() <-chan string { return p.lines }

func (p *fakeProc) Completed() <-chan struct{} { return p.done }

func (p *fakeProc) Errs() <-chan error { return p.errs }

func (p *fakeProc) NoShellIntegration() <-chan struct{} { return p.noShell }

func (p *fakeProc) ExitCode() (int, bool) { return p.exitCode, p.exitSet }

func (p *fakeProc) emit(lines ...string) {
	for _, l := range lines {
		p.lines <- l
	}
}

func (p *fakeProc) complete() { close(p.done) }

// fakeTerm counts spawns and hands out the scripted process.
type fakeTerm struct {
	mu        sync.Mutex
	proc      *fakeProc
	spawned   int
	released  int
	runErr    error
	createErr error
	lastOpts  RunOptions
}

func (t *fakeTerm) GetOrCreateTerminal(_ context.Context, cwd string) (Terminal, error) {
	if t.createErr != nil {
		return Terminal{}, t.createErr
	}
	return Terminal{ID: "t1", Cwd: cwd}, nil
}

func (t *fakeTerm) RunCommand(_ context.Context, _ Terminal, _ string, opts RunOptions) (Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runErr != nil {
		return nil, t.runErr
	}
	t.spawned++
	t.lastOpts = opts
	return t.proc, nil
}

func (t *fakeTerm) Release(Process) {
	t.mu.Lock()
	t.released++
	t.mu.Unlock()
}

func (t *fakeTerm) CloseTerminal(string) error { return nil }

// fakeDiffSession records the preview lifecycle.
type fakeDiffSession struct {
	mu       sync.Mutex
	open     bool
	path     string
	updates  []string
	saved    bool
	reverted bool
	edits    string
	openErr  error
	saveErr  error
}

func (s *fakeDiffSession) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	s.path = path
	return nil
}

func (s *fakeDiffSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeDiffSession) Update(content string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, content)
	return nil
}

func (s *fakeDiffSession) SaveChanges() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.saved = true
	s.open = false
	return s.edits, nil
}

func (s *fakeDiffSession) RevertChanges() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted = true
	s.open = false
	return nil
}

func (s *fakeDiffSession) lastUpdate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return ""
	}
	return s.updates[len(s.updates)-1]
}

type fakeDiffProvider struct {
	sess   *fakeDiffSession
	exists bool
}

func (p *fakeDiffProvider) NewSession() DiffSession { return p.sess }
func (p *fakeDiffProvider) Exists(string) bool      { return p.exists }

// fakeJournal records lifecycle calls.
type fakeJournal struct {
	mu       sync.Mutex
	began    []int64
	finished map[int64]approval.State
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{finished: make(map[int64]approval.State)}
}

func (j *fakeJournal) Begin(inv Invocation) {
	j.mu.Lock()
	j.began = append(j.began, inv.Ts)
	j.mu.Unlock()
}

func (j *fakeJournal) SetState(int64, approval.State) {}

func (j *fakeJournal) Finish(ts int64, state approval.State, _ string, _ int64, _ string) {
	j.mu.Lock()
	j.finished[ts] = state
	j.mu.Unlock()
}

type allowAllPolicy struct{}

func (allowAllPolicy) AllowsCommand(string) bool { return true }
