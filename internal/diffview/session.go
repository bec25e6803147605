// Package diffview implements the incremental file-write preview surface.
// A session writes proposed content to the target file so the operator can
// inspect and hand-edit it; commit diffs the proposal against what is
// actually on disk to recover those edits, and revert restores the
// pre-preview state.
package diffview

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/toolgate/toolgate/internal/engine"
)

// Provider opens one preview session per file-write invocation, rooted at
// the workspace directory.
type Provider struct {
	root string
	log  *slog.Logger
}

func NewProvider(root string, log *slog.Logger) *Provider {
	if abs, err := filepath.Abs(strings.TrimSpace(root)); err == nil && abs != "" {
		root = abs
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Provider{root: filepath.Clean(root), log: log}
}

func (p *Provider) NewSession() engine.DiffSession {
	return &fileSession{provider: p}
}

// Exists reports whether a file is already present at the virtual path.
func (p *Provider) Exists(vpath string) bool {
	abs, err := p.resolve(vpath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func (p *Provider) resolve(vpath string) (string, error) {
	vpath = strings.TrimSpace(vpath)
	if vpath == "" {
		return "", errors.New("missing path")
	}

	vpath = strings.ReplaceAll(vpath, "\\", "/")
	if !strings.HasPrefix(vpath, "/") {
		vpath = "/" + vpath
	}
	vp := path.Clean(vpath)

	rel := strings.TrimPrefix(vp, "/")
	if rel == "" {
		return "", errors.New("path is the workspace root")
	}
	relOS := filepath.FromSlash(rel)
	if filepath.IsAbs(relOS) {
		return "", errors.New("invalid absolute path")
	}

	abs := filepath.Clean(filepath.Join(p.root, relOS))
	ok, err := isWithinRoot(abs, p.root)
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

// fileSession is one preview lifecycle. Open snapshots the pre-preview
// state; Update writes the proposal to the real file; SaveChanges reads the
// file back and diffs it against the last proposal to recover operator
// edits; RevertChanges restores the snapshot.
type fileSession struct {
	provider *Provider

	mu       sync.Mutex
	open     bool
	vpath    string
	abs      string
	original string
	existed  bool
	proposed string
}

func (s *fileSession) Open(vpath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("diff session already open")
	}

	abs, err := s.provider.resolve(vpath)
	if err != nil {
		return err
	}

	var original string
	existed := false
	if b, err := os.ReadFile(abs); err == nil {
		original = string(b)
		existed = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	s.open = true
	s.vpath = vpath
	s.abs = abs
	s.original = original
	s.existed = existed
	s.proposed = ""
	return nil
}

func (s *fileSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fileSession) Update(content string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("diff session not open")
	}

	if err := os.MkdirAll(filepath.Dir(s.abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.abs, []byte(content), 0o644); err != nil {
		return err
	}
	s.proposed = content
	return nil
}

// SaveChanges commits the preview. The returned diff is empty when the
// operator accepted the proposal untouched.
func (s *fileSession) SaveChanges() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", errors.New("diff session not open")
	}

	b, err := os.ReadFile(s.abs)
	if err != nil {
		return "", err
	}
	userEdits := buildUnifiedDiff(s.vpath, s.proposed, string(b))

	s.open = false
	return userEdits, nil
}

func (s *fileSession) RevertChanges() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false

	if s.existed {
		return os.WriteFile(s.abs, []byte(s.original), 0o644)
	}
	if err := os.Remove(s.abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Existed reports whether the target file was present before the preview
// opened. Result wording depends on it; control flow does not.
func (s *fileSession) Existed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existed
}
