// Package term provides PTY-backed terminals for command execution. Each
// working directory maps to at most one live session; commands run inside
// the session's interactive shell and are observed through an injected
// sentinel marker that reports the exit status.
package term

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	termgo "github.com/floegence/floeterm/terminal-go"

	"github.com/toolgate/toolgate/internal/engine"
)

const (
	defaultCols = 120
	defaultRows = 30

	// Delay before an auto-close releases the PTY, so trailing output
	// already in the kernel buffer still reaches the proc.
	autoCloseDelay = 500 * time.Millisecond
)

type slogTerminalLogger struct{ log *slog.Logger }

func (l slogTerminalLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, kv...) }
func (l slogTerminalLogger) Info(msg string, kv ...any)  { l.log.Info(msg, kv...) }
func (l slogTerminalLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, kv...) }
func (l slogTerminalLogger) Error(msg string, kv ...any) { l.log.Error(msg, kv...) }

type fixedShellResolver struct {
	shell string
}

func (r fixedShellResolver) ResolveShell(logger termgo.Logger) string {
	shell := strings.TrimSpace(r.shell)
	if shell != "" {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
		logger.Warn("configured shell missing; falling back", "shell", shell)
	}
	return termgo.DefaultShellResolver{}.ResolveShell(logger)
}

// Manager implements engine.TerminalProvider on top of terminal-go sessions.
type Manager struct {
	root string
	log  *slog.Logger

	term *termgo.Manager

	mu    sync.Mutex
	byCwd map[string]string // cwd abs -> session_id
	procs map[string]*proc  // session_id -> active command observer
}

func NewManager(shell string, root string, log *slog.Logger) *Manager {
	if abs, err := filepath.Abs(strings.TrimSpace(root)); err == nil && abs != "" {
		root = abs
	}
	root = filepath.Clean(root)
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	m := &Manager{
		root:  root,
		log:   log,
		byCwd: make(map[string]string),
		procs: make(map[string]*proc),
	}

	cfg := termgo.ManagerConfig{
		Logger:        slogTerminalLogger{log: log},
		ShellResolver: fixedShellResolver{shell: shell},
	}
	m.term = termgo.NewManager(cfg)
	m.term.SetEventHandler(&eventHandler{m: m})

	return m
}

// GetOrCreateTerminal returns the live terminal for cwd, creating one when
// none exists. cwd is a virtual path resolved under the manager root.
func (m *Manager) GetOrCreateTerminal(_ context.Context, cwd string) (engine.Terminal, error) {
	if m == nil {
		return engine.Terminal{}, errors.New("nil terminal manager")
	}

	cwdAbs, err := m.resolveCwd(cwd)
	if err != nil {
		return engine.Terminal{}, err
	}

	m.mu.Lock()
	if id, ok := m.byCwd[cwdAbs]; ok {
		if _, alive := m.term.GetSession(id); alive {
			m.mu.Unlock()
			return engine.Terminal{ID: id, Cwd: cwdAbs}, nil
		}
		delete(m.byCwd, cwdAbs)
	}
	m.mu.Unlock()

	sess, err := m.term.CreateSession("toolgate", cwdAbs, defaultCols, defaultRows)
	if err != nil {
		m.log.Warn("terminal create failed", "cwd", cwdAbs, "error", err)
		return engine.Terminal{}, err
	}
	info := sess.ToSessionInfo()

	m.mu.Lock()
	m.byCwd[cwdAbs] = info.ID
	m.mu.Unlock()

	m.log.Info("terminal created", "session_id", info.ID, "cwd", cwdAbs)
	return engine.Terminal{ID: info.ID, Cwd: cwdAbs}, nil
}

// RunCommand starts a command in the terminal's shell and returns a handle
// observing it. One command may run per terminal at a time. A failed write
// to the PTY surfaces as the handle's no-shell-integration signal, which the
// caller treats as fatal for the invocation.
func (m *Manager) RunCommand(_ context.Context, t engine.Terminal, command string, opts engine.RunOptions) (engine.Process, error) {
	if m == nil {
		return nil, errors.New("nil terminal manager")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("missing command")
	}

	sess, ok := m.term.GetSession(t.ID)
	if !ok || sess == nil {
		return nil, errors.New("terminal session not found")
	}

	p := newProc(t.ID, newNonce(), opts.AutoClose)

	m.mu.Lock()
	if prev, busy := m.procs[t.ID]; busy && prev != nil {
		m.mu.Unlock()
		return nil, errors.New("terminal busy with another command")
	}
	m.procs[t.ID] = p
	m.mu.Unlock()

	if err := sess.WriteDataWithSource(buildCommandLine(command, p.nonce), "toolgate"); err != nil {
		m.log.Warn("terminal write failed", "session_id", t.ID, "error", err)
		p.fireNoShell()
		return p, nil
	}
	return p, nil
}

// CloseTerminal releases the PTY session and forgets its cwd binding.
func (m *Manager) CloseTerminal(id string) error {
	if m == nil {
		return errors.New("nil terminal manager")
	}

	m.mu.Lock()
	delete(m.procs, id)
	for cwd, sid := range m.byCwd {
		if sid == id {
			delete(m.byCwd, cwd)
		}
	}
	m.mu.Unlock()

	if err := m.term.DeleteSession(id); err != nil {
		m.log.Warn("terminal close failed", "session_id", id, "error", err)
		return err
	}
	return nil
}

// Release detaches the command observer for a session without closing the
// PTY, so the next RunCommand on the same terminal can start.
func (m *Manager) Release(p engine.Process) {
	pr, ok := p.(*proc)
	if m == nil || !ok || pr == nil {
		return
	}

	m.mu.Lock()
	if cur, exists := m.procs[pr.sessionID]; exists && cur == pr {
		delete(m.procs, pr.sessionID)
	}
	m.mu.Unlock()

	// Auto-close only applies to a command that actually finished. A
	// timed-out command keeps its PTY so the process can keep running.
	_, resolved := pr.ExitCode()
	if pr.autoClose && resolved {
		go func() {
			time.Sleep(autoCloseDelay)
			_ = m.CloseTerminal(pr.sessionID)
		}()
	}
}

func (m *Manager) procFor(sessionID string) *proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[sessionID]
}

func (m *Manager) resolveCwd(cwd string) (string, error) {
	if m == nil {
		return "", errors.New("nil terminal manager")
	}
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		cwd = "/"
	}

	// Virtual paths are POSIX-like absolute paths under the root.
	cwd = strings.ReplaceAll(cwd, "\\", "/")
	if !strings.HasPrefix(cwd, "/") {
		cwd = "/" + cwd
	}
	vp := path.Clean(cwd)
	if vp == "." {
		vp = "/"
	}

	rel := strings.TrimPrefix(vp, "/")
	relOS := filepath.FromSlash(rel)
	if relOS != "" && filepath.IsAbs(relOS) {
		return "", errors.New("invalid absolute path")
	}

	abs := filepath.Clean(filepath.Join(m.root, relOS))
	ok, err := isWithinRoot(abs, m.root)
	if err != nil || !ok {
		return "", errors.New("path escapes root")
	}
	return abs, nil
}

func isWithinRoot(p string, root string) (bool, error) {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func newNonce() string {
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "fallback"
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

type eventHandler struct{ m *Manager }

func (h *eventHandler) OnTerminalData(sessionID string, data []byte, _ int64, isEcho bool, _ string) {
	if h == nil || h.m == nil {
		return
	}
	if p := h.m.procFor(sessionID); p != nil {
		p.feed(data, isEcho)
	}
}

func (h *eventHandler) OnTerminalError(sessionID string, err error) {
	if h == nil || h.m == nil {
		return
	}
	h.m.log.Warn("terminal session error", "session_id", sessionID, "error", err)
	if p := h.m.procFor(sessionID); p != nil {
		p.fail(err)
	}
}

func (h *eventHandler) OnTerminalSessionClosed(sessionID string) {
	if h == nil || h.m == nil {
		return
	}

	h.m.mu.Lock()
	p := h.m.procs[sessionID]
	delete(h.m.procs, sessionID)
	for cwd, sid := range h.m.byCwd {
		if sid == sessionID {
			delete(h.m.byCwd, cwd)
		}
	}
	h.m.mu.Unlock()

	if p != nil {
		p.fail(errors.New("terminal closed before command completed"))
	}
}

func (h *eventHandler) OnTerminalSessionCreated(_ *termgo.Session) {}

func (h *eventHandler) OnTerminalNameChanged(_ string, _ string, _ string, _ string) {}
