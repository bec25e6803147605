package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
)

const (
	defaultCommandTimeout = 45 * time.Second

	// Grace period after the completion-vs-timeout race so output already
	// in flight still lands in the buffer before the final broadcast.
	flushGrace = 300 * time.Millisecond
)

// Result is the textual outcome of one invocation, optionally paired with
// image attachments (data URLs) supplied by the operator.
type Result struct {
	Text   string
	Images []string
}

// Journal persists invocation lifecycle records. All methods tolerate a nil
// receiver so engines can run without persistence.
type Journal interface {
	Begin(inv Invocation)
	SetState(ts int64, state approval.State)
	Finish(ts int64, state approval.State, outcome string, durationMS int64, feedback string)
}

// CommandPolicy short-circuits the approval gate for pre-authorized command
// prefixes.
type CommandPolicy interface {
	AllowsCommand(command string) bool
}

// SysProber describes host load for the timeout log line.
type SysProber interface {
	Describe(ctx context.Context) string
}

// CommandRunner drives one command-execution invocation end to end:
// approval, spawn, streaming, the completion-vs-timeout race, and the final
// broadcast. Nothing it returns is an error; every path ends in a Result.
type CommandRunner struct {
	log     *slog.Logger
	ch      approval.Channel
	term    TerminalProvider
	journal Journal
	policy  CommandPolicy
	sys     SysProber
}

// CommandRunnerDeps lists the collaborators; Journal, Policy and Sys are
// optional.
type CommandRunnerDeps struct {
	Logger   *slog.Logger
	Channel  approval.Channel
	Terminal TerminalProvider
	Journal  Journal
	Policy   CommandPolicy
	Sys      SysProber
}

func NewCommandRunner(deps CommandRunnerDeps) *CommandRunner {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CommandRunner{
		log:     log,
		ch:      deps.Channel,
		term:    deps.Terminal,
		journal: deps.Journal,
		policy:  deps.Policy,
		sys:     deps.Sys,
	}
}

// Run executes one invocation. The returned Result is what the model sees;
// observers see the broadcast sequence ending in exactly one terminal state.
func (r *CommandRunner) Run(ctx context.Context, inv Invocation, snap config.Session) Result {
	started := time.Now()
	command := strings.TrimSpace(inv.Command)

	if command == "" {
		r.ch.Say(approval.SayError, "Command is empty or whitespace-only; nothing was executed.", nil)
		r.finishJournal(inv, approval.StateError, "", started, "")
		return Result{Text: "Error: the command is empty or whitespace-only. Provide a non-empty command."}
	}

	if r.journal != nil {
		r.journal.Begin(inv)
	}
	tracker := approval.NewTracker()

	answer, asked, err := r.approve(ctx, inv, command, snap)
	if err != nil {
		return r.fail(inv, tracker, fmt.Sprintf("approval interrupted: %v", err), started)
	}
	if answer.Response != approval.ResponseYes {
		return r.deny(inv, tracker, answer, snap, started)
	}
	feedback := answer
	if !asked {
		feedback = approval.Answer{Response: approval.ResponseYes}
	}

	if err := tracker.Advance(approval.StateApproved); err != nil {
		r.log.Warn("approval tracker out of step", "ts", inv.Ts, "error", err)
	}
	_ = tracker.Advance(approval.StateLoading)
	r.ch.UpdateAsk(approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StateLoading,
		Command: command, EarlyExit: approval.EarlyExitPending,
	})
	if r.journal != nil {
		r.journal.SetState(inv.Ts, approval.StateLoading)
	}

	terminal, err := r.term.GetOrCreateTerminal(ctx, snap.Cwd)
	if err != nil {
		return r.fail(inv, tracker, fmt.Sprintf("failed to acquire terminal: %v", err), started)
	}
	proc, err := r.term.RunCommand(ctx, terminal, command, RunOptions{AutoClose: snap.AutoCloseTerminal})
	if err != nil {
		return r.fail(inv, tracker, fmt.Sprintf("failed to start command: %v", err), started)
	}
	defer r.term.Release(proc)

	buf := &OutputBuffer{}
	early := approval.EarlyExitPending

	timeout := defaultCommandTimeout
	if snap.CommandTimeoutSeconds > 0 {
		timeout = time.Duration(snap.CommandTimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	completedCh := proc.Completed()
race:
	for {
		select {
		case line := <-proc.Lines():
			if line == "" {
				continue
			}
			buf.Append(line)
			if early != approval.EarlyExitApproved {
				r.streamUpdate(inv, command, buf, early)
			}
		case <-completedCh:
			early = approval.EarlyExitApproved
			break race
		case <-timer.C:
			// Timeout is not an error. The process keeps running; the
			// invocation resolves with whatever output accumulated.
			if r.sys != nil {
				r.log.Info("command timed out, returning partial output",
					"ts", inv.Ts, "system", r.sys.Describe(ctx))
			} else {
				r.log.Info("command timed out, returning partial output", "ts", inv.Ts)
			}
			break race
		case err := <-proc.Errs():
			return r.fail(inv, tracker, fmt.Sprintf("command failed: %v", err), started)
		case <-proc.NoShellIntegration():
			return r.fail(inv, tracker, "shell integration unavailable; cannot observe command output", started)
		case <-ctx.Done():
			return r.fail(inv, tracker, fmt.Sprintf("command aborted: %v", ctx.Err()), started)
		}
	}

	// Flush grace: a process that just reported completion may still have
	// trailing lines in flight.
	grace := time.NewTimer(flushGrace)
	defer grace.Stop()
	if early == approval.EarlyExitApproved {
		completedCh = nil
	}
flush:
	for {
		select {
		case line := <-proc.Lines():
			if line == "" {
				continue
			}
			buf.Append(line)
			if early != approval.EarlyExitApproved {
				r.streamUpdate(inv, command, buf, early)
			}
		case <-completedCh:
			early = approval.EarlyExitApproved
			completedCh = nil
		case <-grace.C:
			break flush
		}
	}

	completed := early == approval.EarlyExitApproved
	outcome := "partial"
	if completed {
		outcome = "completed"
	}

	if err := tracker.Advance(approval.StateApproved); err != nil {
		r.log.Warn("approval tracker out of step", "ts", inv.Ts, "error", err)
	}
	final := approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StateApproved,
		Command: command, Output: buf.String(), Outcome: outcome, EarlyExit: early,
	}
	r.ch.UpdateAsk(final)

	res := Result{}
	if !inv.Silent {
		res.Text = commandResultText(buf.String(), completed)
	}
	if feedback.Text != "" || len(feedback.Images) > 0 {
		r.ch.Say(approval.SayUserFeedback, feedback.Text, feedback.Images)
		withFeedback := final
		withFeedback.FeedbackText = feedback.Text
		withFeedback.FeedbackImages = feedback.Images
		_ = tracker.Advance(approval.StateApproved)
		r.ch.UpdateAsk(withFeedback)
		if !inv.Silent {
			res.Text += feedbackSection(feedback.Text)
			res.Images = feedback.Images
		}
	}

	r.finishJournal(inv, approval.StateApproved, outcome, started, feedback.Text)
	return res
}

// approve runs the approval gate. asked is false when policy pre-authorized
// the command and no prompt was shown.
func (r *CommandRunner) approve(ctx context.Context, inv Invocation, command string, _ config.Session) (approval.Answer, bool, error) {
	if r.policy != nil && r.policy.AllowsCommand(command) {
		r.log.Info("command pre-authorized by policy", "ts", inv.Ts, "command", sanitizeLogText(command, 120))
		return approval.Answer{Response: approval.ResponseYes}, false, nil
	}
	ans, err := r.ch.Ask(ctx, approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StatePending, Command: command,
	})
	if err != nil {
		return approval.Answer{}, true, err
	}
	return ans, true, nil
}

func (r *CommandRunner) deny(inv Invocation, tracker *approval.Tracker, answer approval.Answer, snap config.Session, started time.Time) Result {
	_ = tracker.Advance(approval.StateRejected)

	payload := approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StateRejected, Command: inv.Command,
	}
	withFeedback := answer.Response == approval.ResponseMessage && !snap.AutoApproveWriteOnly
	if withFeedback {
		payload.FeedbackText = answer.Text
		payload.FeedbackImages = answer.Images
	}
	r.ch.UpdateAsk(payload)

	res := Result{Text: "The user denied this operation."}
	if withFeedback && (answer.Text != "" || len(answer.Images) > 0) {
		r.ch.Say(approval.SayUserFeedback, answer.Text, answer.Images)
		res.Text = "The user denied this operation and provided the following feedback:" + feedbackBlock(answer.Text)
		res.Images = answer.Images
	} else if answer.Response != approval.ResponseMessage {
		// A timed-out ask resolves as a plain denial carrying a reason.
		if reason := strings.TrimSpace(answer.Text); reason != "" {
			res.Text = "The user denied this operation: " + reason + "."
		}
	}

	r.finishJournal(inv, approval.StateRejected, "", started, answer.Text)
	return res
}

func (r *CommandRunner) fail(inv Invocation, tracker *approval.Tracker, msg string, started time.Time) Result {
	fc := classifyFailure(msg)
	r.log.Warn("command invocation failed",
		"ts", inv.Ts, "code", string(fc.Code), "retryable", fc.Retryable,
		"error", sanitizeLogText(msg, 200))
	_ = tracker.Advance(approval.StateError)
	r.ch.UpdateAsk(approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StateError,
		Command: inv.Command, Output: msg,
	})
	r.ch.Say(approval.SayError, msg, nil)
	r.finishJournal(inv, approval.StateError, string(fc.Code), started, "")
	return Result{Text: "Error executing command: " + msg}
}

// streamUpdate is best-effort; a failed broadcast must never abort the
// stream.
func (r *CommandRunner) streamUpdate(inv Invocation, command string, buf *OutputBuffer, early approval.EarlyExit) {
	r.ch.UpdateAsk(approval.Payload{
		Ts: inv.Ts, Kind: approval.KindCommand, State: approval.StateLoading,
		Command: command, Output: buf.String(), EarlyExit: early,
	})
}

func (r *CommandRunner) finishJournal(inv Invocation, state approval.State, outcome string, started time.Time, feedback string) {
	if r.journal == nil {
		return
	}
	r.journal.Finish(inv.Ts, state, outcome, time.Since(started).Milliseconds(), feedback)
}

func commandResultText(output string, completed bool) string {
	var b strings.Builder
	if completed {
		b.WriteString("Command completed successfully.")
	} else {
		b.WriteString("Command is still running after the wait window elapsed; partial output available below.")
	}
	if output != "" {
		b.WriteString("\n\nOutput:\n<output>\n")
		b.WriteString(output)
		b.WriteString("\n</output>")
	}
	return b.String()
}

func feedbackSection(text string) string {
	return "\n\nThe user provided the following feedback:" + feedbackBlock(text)
}

func feedbackBlock(text string) string {
	return "\n<feedback>\n" + text + "\n</feedback>"
}
