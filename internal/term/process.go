package term

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// sentinelTag marks the end-of-command marker injected after every command.
// Any terminal line containing it (the marker itself or the shell's echo of
// the injected suffix) is consumed and never forwarded as output.
const sentinelTag = "__toolgate_done_"

var (
	sentinelRe = regexp.MustCompile(`__toolgate_done_([A-Za-z0-9_-]+)_([0-9]+)__`)

	// CSI and OSC escape sequences emitted by shells and prompts.
	ansiCSIRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSCRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
)

// proc observes one command running inside a PTY session. Raw terminal data
// arrives through feed from the session event handler; proc assembles it into
// lines, filters echo and escape sequences, and resolves exactly once when
// the sentinel line reports the exit status.
type proc struct {
	nonce     string
	sessionID string
	autoClose bool

	lines   chan string
	done    chan struct{}
	errs    chan error
	noShell chan struct{}

	completeOnce sync.Once
	failOnce     sync.Once
	noShellOnce  sync.Once

	mu       sync.Mutex
	pending  []byte
	resolved bool
	exitCode int
	exitSet  bool
}

func newProc(sessionID, nonce string, autoClose bool) *proc {
	return &proc{
		nonce:     nonce,
		sessionID: sessionID,
		autoClose: autoClose,
		lines:     make(chan string, 1024),
		done:      make(chan struct{}),
		errs:      make(chan error, 1),
		noShell:   make(chan struct{}),
	}
}

func (p *proc) Lines() <-chan string { return p.lines }

func (p *proc) Completed() <-chan struct{} { return p.done }

func (p *proc) Errs() <-chan error { return p.errs }

func (p *proc) NoShellIntegration() <-chan struct{} { return p.noShell }

func (p *proc) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitSet
}

// feed consumes one chunk of raw terminal output. Echo of our own injected
// input is skipped; only complete lines are processed, so a sentinel split
// across chunks is still detected.
func (p *proc) feed(data []byte, isEcho bool) {
	if p == nil || len(data) == 0 || isEcho {
		return
	}

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, data...)

	var out []string
	var finished bool
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		raw := string(p.pending[:i])
		p.pending = p.pending[i+1:]

		line := cleanLine(raw)
		if strings.Contains(line, sentinelTag) {
			code, ok := p.matchSentinel(line)
			if ok {
				finished = true
				p.resolved = true
				p.exitCode = code
				p.exitSet = true
			}
			// Echo of the injected suffix ($? still unexpanded) is dropped.
			if finished {
				break
			}
			continue
		}
		if line != "" {
			out = append(out, line)
		}
	}
	p.mu.Unlock()

	for _, line := range out {
		select {
		case p.lines <- line:
		default:
			// Consumer far behind; the engine keeps its own append-only
			// buffer fed from this channel, so drop rather than block the
			// terminal event goroutine.
		}
	}
	if finished {
		p.completeOnce.Do(func() { close(p.done) })
	}
}

func (p *proc) matchSentinel(line string) (int, bool) {
	m := sentinelRe.FindStringSubmatch(line)
	if m == nil || m[1] != p.nonce {
		return 0, false
	}
	code, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return code, true
}

func (p *proc) fail(err error) {
	if p == nil || err == nil {
		return
	}
	p.failOnce.Do(func() { p.errs <- err })
}

func (p *proc) fireNoShell() {
	if p == nil {
		return
	}
	p.noShellOnce.Do(func() { close(p.noShell) })
}

func cleanLine(raw string) string {
	s := ansiOSCRe.ReplaceAllString(raw, "")
	s = ansiCSIRe.ReplaceAllString(s, "")
	s = strings.TrimRight(s, "\r")
	return strings.TrimRight(s, " \t")
}

// buildCommandLine appends the sentinel echo to the command and terminates
// it with carriage returns the PTY line discipline treats as Enter. A
// multi-line command runs line by line with the sentinel after the last.
func buildCommandLine(command, nonce string) []byte {
	sentinel := `echo "` + sentinelTag + nonce + `_$?__"`
	command = strings.ReplaceAll(command, "\r\n", "\n")
	if strings.Contains(command, "\n") {
		lines := strings.Split(command, "\n")
		joined := strings.Join(lines, "\r")
		return []byte(joined + "\r" + sentinel + "\r")
	}
	return []byte(command + "; " + sentinel + "\r")
}
