package engine

import (
	"strings"
	"sync"
)

// Kind is the tool being invoked.
type Kind string

const (
	KindExecuteCommand Kind = "execute_command"
	KindWriteToFile    Kind = "write_to_file"
)

// Invocation identifies one tool call. Immutable once created; Ts doubles as
// the broadcast key.
type Invocation struct {
	Ts   int64
	Kind Kind

	// execute_command input
	Command string

	// write_to_file input
	Path    string
	Content string

	// Silent suppresses the textual success body of a command result.
	Silent bool
}

// OutputBuffer is the append-only line buffer owned by one command
// invocation. It is never truncated; String joins the lines as the broadcast
// payload.
type OutputBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
