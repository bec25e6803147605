package engine

import "context"

// Terminal identifies one live terminal acquired for a working directory.
type Terminal struct {
	ID  string
	Cwd string
}

// RunOptions controls how a command is started on a terminal.
type RunOptions struct {
	// AutoClose releases the terminal once the invocation finalizes.
	AutoClose bool
}

// Process is one running command observed through typed event channels.
//
// Lines carries output in emission order. Exactly one of Completed or Errs
// resolves the process; NoShellIntegration fires at most once and is fatal
// for the invocation. ExitCode is meaningful only after Completed.
type Process interface {
	Lines() <-chan string
	Completed() <-chan struct{}
	Errs() <-chan error
	NoShellIntegration() <-chan struct{}
	ExitCode() (int, bool)
}

// TerminalProvider acquires terminals and starts commands on them. Release
// detaches a finished (or abandoned) process observer; a timed-out process
// keeps running after Release.
type TerminalProvider interface {
	GetOrCreateTerminal(ctx context.Context, cwd string) (Terminal, error)
	RunCommand(ctx context.Context, term Terminal, command string, opts RunOptions) (Process, error)
	Release(p Process)
	CloseTerminal(id string) error
}

// DiffSession is the incremental preview/commit surface for one file write.
//
// Update is idempotent and may be called repeatedly with growing content.
// SaveChanges commits the preview and returns any edits the operator made by
// hand in the diff surface. RevertChanges restores the pre-preview state,
// deleting a file the preview created.
type DiffSession interface {
	Open(path string) error
	IsOpen() bool
	Update(content string, isFinal bool) error
	SaveChanges() (userEdits string, err error)
	RevertChanges() error
}

// DiffProvider opens one DiffSession per file-write invocation and answers
// the pre-preview existence check used for result wording.
type DiffProvider interface {
	NewSession() DiffSession
	Exists(path string) bool
}
