// Package gate is the tool-invocation front door: it allocates invocation
// ids, runs the command and file-write engines detached, tracks in-flight
// invocations for abort, and retains results for pickup.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/engine"
)

// Deps are the collaborators shared by every invocation. Journal, Policy
// and Sys are optional.
type Deps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Channel  approval.Channel
	Terminal engine.TerminalProvider
	Diffs    engine.DiffProvider
	Journal  engine.Journal
	Policy   engine.CommandPolicy
	Sys      engine.SysProber
}

type running struct {
	cancel context.CancelFunc
	writer *engine.FileWriter
	inv    engine.Invocation
	snap   config.Session

	// staged marks a streaming write whose preview is open but whose final
	// content has not been committed yet.
	staged bool
}

// Done describes one finished invocation retained for result pickup.
type Done struct {
	Result engine.Result
	At     time.Time
}

type Service struct {
	log  *slog.Logger
	deps Deps

	mu      sync.Mutex
	lastTs  int64
	running map[int64]*running
	done    map[int64]Done
}

func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:     log,
		deps:    deps,
		running: make(map[int64]*running),
		done:    make(map[int64]Done),
	}
}

// NewInvocationID allocates a monotonic timestamp id. Two invocations in the
// same millisecond still get distinct ids.
func (s *Service) NewInvocationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= s.lastTs {
		ts = s.lastTs + 1
	}
	s.lastTs = ts
	return ts
}

// StartDetached launches one invocation in the background. The result is
// retrievable through Result once the invocation reaches its terminal state.
func (s *Service) StartDetached(inv engine.Invocation, cwd string) {
	ctx, cancel := context.WithCancel(context.Background())
	snap := s.snapshot(cwd)
	r := &running{cancel: cancel, inv: inv, snap: snap}

	if inv.Kind == engine.KindWriteToFile {
		r.writer = s.newWriter()
	}

	s.mu.Lock()
	s.running[inv.Ts] = r
	s.mu.Unlock()

	go func() {
		defer cancel()
		res := s.run(ctx, inv, snap, r)
		s.finish(inv.Ts, res)
	}()
}

// BeginWrite stages a streaming file-write invocation: the preview is fed
// through PushPartial while the content is still being produced, and Commit
// supplies the final content and runs the approval flow.
func (s *Service) BeginWrite(inv engine.Invocation, cwd string) {
	r := &running{
		cancel: func() {},
		writer: s.newWriter(),
		inv:    inv,
		snap:   s.snapshot(cwd),
		staged: true,
	}
	s.mu.Lock()
	s.running[inv.Ts] = r
	s.mu.Unlock()
}

// Commit finalizes a staged write with the complete content and runs it
// detached. Returns false when ts is unknown or already committed.
func (s *Service) Commit(ts int64, content string) bool {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	r := s.running[ts]
	if r == nil || !r.staged {
		s.mu.Unlock()
		cancel()
		return false
	}
	r.staged = false
	r.cancel = cancel
	inv := r.inv
	inv.Content = content
	snap := r.snap
	s.mu.Unlock()

	go func() {
		defer cancel()
		res := s.run(ctx, inv, snap, r)
		s.finish(ts, res)
	}()
	return true
}

func (s *Service) newWriter() *engine.FileWriter {
	return engine.NewFileWriter(engine.FileWriterDeps{
		Logger:  s.log,
		Channel: s.deps.Channel,
		Diffs:   s.deps.Diffs,
		Journal: s.deps.Journal,
	})
}

func (s *Service) snapshot(cwd string) config.Session {
	if s.deps.Config != nil {
		return s.deps.Config.Snapshot(cwd)
	}
	return config.Session{Cwd: cwd}
}

func (s *Service) finish(ts int64, res engine.Result) {
	s.mu.Lock()
	delete(s.running, ts)
	s.done[ts] = Done{Result: res, At: time.Now()}
	s.pruneDoneLocked()
	s.mu.Unlock()
}

// Invoke runs one invocation synchronously. Used by embedding callers that
// already run on their own goroutine.
func (s *Service) Invoke(ctx context.Context, inv engine.Invocation, cwd string) engine.Result {
	r := &running{cancel: func() {}, inv: inv, snap: s.snapshot(cwd)}
	if inv.Kind == engine.KindWriteToFile {
		r.writer = s.newWriter()
	}
	return s.run(ctx, inv, r.snap, r)
}

func (s *Service) run(ctx context.Context, inv engine.Invocation, snap config.Session, r *running) engine.Result {
	switch inv.Kind {
	case engine.KindExecuteCommand:
		runner := engine.NewCommandRunner(engine.CommandRunnerDeps{
			Logger:   s.log,
			Channel:  s.deps.Channel,
			Terminal: s.deps.Terminal,
			Journal:  s.deps.Journal,
			Policy:   s.deps.Policy,
			Sys:      s.deps.Sys,
		})
		return runner.Run(ctx, inv, snap)
	case engine.KindWriteToFile:
		return r.writer.Run(ctx, inv, snap)
	default:
		s.log.Warn("unknown tool kind", "ts", inv.Ts, "kind", string(inv.Kind))
		return engine.Result{Text: "Error: unknown tool kind " + string(inv.Kind) + "."}
	}
}

// PushPartial forwards streaming file content to the invocation's writer.
// Unknown or already-finalized invocations drop the push.
func (s *Service) PushPartial(ts int64, content string) {
	s.mu.Lock()
	r := s.running[ts]
	var inv engine.Invocation
	var snap config.Session
	if r != nil {
		inv, snap = r.inv, r.snap
	}
	s.mu.Unlock()
	if r == nil || r.writer == nil {
		return
	}
	r.writer.PushPartial(inv, snap, content)
}

// Abort cancels an in-flight invocation. A file write reverts its preview;
// a staged write that never committed resolves immediately.
func (s *Service) Abort(ts int64) bool {
	s.mu.Lock()
	r := s.running[ts]
	staged := r != nil && r.staged
	if staged {
		delete(s.running, ts)
	}
	s.mu.Unlock()
	if r == nil {
		return false
	}

	r.cancel()
	if r.writer != nil {
		r.writer.Abort()
	}
	if staged {
		s.finish(ts, engine.Result{Text: "Error writing file: aborted before commit."})
	}
	return true
}

// Result returns the retained result of a finished invocation.
func (s *Service) Result(ts int64) (engine.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.done[ts]
	return d.Result, ok
}

// Running reports whether an invocation is still in flight.
func (s *Service) Running(ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[ts]
	return ok
}

// AbortAll cancels every in-flight invocation, e.g. on session teardown.
func (s *Service) AbortAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.running))
	for ts := range s.running {
		ids = append(ids, ts)
	}
	s.mu.Unlock()

	for _, ts := range ids {
		s.Abort(ts)
	}
}

const doneRetention = 1 * time.Hour

func (s *Service) pruneDoneLocked() {
	cutoff := time.Now().Add(-doneRetention)
	for ts, d := range s.done {
		if d.At.Before(cutoff) {
			delete(s.done, ts)
		}
	}
}
