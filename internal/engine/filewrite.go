package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
)

// Minimum interval between accepted partial preview pushes.
const partialPushInterval = 8 * time.Millisecond

// FileWriter drives one file-write invocation: preview through a diff
// session, approval, commit, and reconciliation of operator edits. A writer
// instance belongs to a single invocation.
type FileWriter struct {
	log     *slog.Logger
	ch      approval.Channel
	diffs   DiffProvider
	journal Journal

	mu         sync.Mutex
	sess       DiffSession
	existed    bool
	finalizing bool
	lastPush   time.Time
}

type FileWriterDeps struct {
	Logger  *slog.Logger
	Channel approval.Channel
	Diffs   DiffProvider
	Journal Journal
}

func NewFileWriter(deps FileWriterDeps) *FileWriter {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &FileWriter{
		log:     log,
		ch:      deps.Channel,
		diffs:   deps.Diffs,
		journal: deps.Journal,
	}
}

// PushPartial streams in-progress content into the preview while the model
// is still producing it. Pushes are throttled, dropped once finalization has
// begun, and replaced by a lightweight loading broadcast when the session
// skips write animation.
func (w *FileWriter) PushPartial(inv Invocation, snap config.Session, content string) {
	w.mu.Lock()
	if w.finalizing {
		w.mu.Unlock()
		w.log.Warn("partial update dropped: invocation already finalizing", "ts", inv.Ts, "path", inv.Path)
		return
	}
	if since := time.Since(w.lastPush); since < partialPushInterval {
		w.mu.Unlock()
		return
	}
	w.lastPush = time.Now()
	w.mu.Unlock()

	if snap.SkipWriteAnimation {
		w.ch.UpdateAsk(approval.Payload{
			Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StateLoading, Path: inv.Path,
		})
		return
	}

	sess, err := w.ensureSession(inv.Path)
	if err != nil {
		w.log.Warn("partial update dropped: preview unavailable", "ts", inv.Ts, "path", inv.Path, "error", err)
		return
	}
	if err := sess.Update(PreprocessContent(content), false); err != nil {
		w.log.Warn("partial preview push failed", "ts", inv.Ts, "path", inv.Path, "error", err)
	}
}

// Run finalizes one file-write invocation. Every exit path resets the
// finalizing flag and leaves no open diff session behind.
func (w *FileWriter) Run(ctx context.Context, inv Invocation, snap config.Session) Result {
	started := time.Now()

	path := strings.TrimSpace(inv.Path)
	if path == "" {
		return Result{Text: "Error: missing file path. Provide a relative path inside the workspace."}
	}
	if strings.TrimSpace(inv.Content) == "" {
		return Result{Text: "Error: missing file content. Provide the complete intended content of the file."}
	}

	if w.journal != nil {
		w.journal.Begin(inv)
	}
	tracker := approval.NewTracker()
	content := PreprocessContent(inv.Content)

	defer func() {
		w.mu.Lock()
		w.finalizing = false
		w.sess = nil
		w.mu.Unlock()
	}()

	sess, err := w.ensureSession(path)
	if err != nil {
		return w.fail(inv, tracker, nil, fmt.Sprintf("failed to open preview: %v", err), started)
	}
	if err := sess.Update(content, false); err != nil {
		return w.fail(inv, tracker, sess, fmt.Sprintf("failed to render preview: %v", err), started)
	}

	// Gate: from here on, straggling partial pushes must not touch the
	// preview that is moving to approval.
	w.mu.Lock()
	w.finalizing = true
	fileExisted := w.existed
	w.mu.Unlock()

	if snap.SkipWriteAnimation {
		w.ch.UpdateAsk(approval.Payload{
			Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StateLoading, Path: path,
		})
	}

	answer := approval.Answer{Response: approval.ResponseYes}
	if snap.AutoApproveWriteOnly {
		w.log.Info("file write auto-approved", "ts", inv.Ts, "path", path)
	} else {
		var err error
		answer, err = w.ch.Ask(ctx, approval.Payload{
			Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StatePending,
			Path: path, Content: content,
		})
		if err != nil {
			// External cancellation before finalize reverts unconditionally.
			if revErr := sess.RevertChanges(); revErr != nil {
				w.log.Warn("revert after aborted ask failed", "ts", inv.Ts, "path", path, "error", revErr)
			}
			return w.fail(inv, tracker, nil, fmt.Sprintf("approval interrupted: %v", err), started)
		}
	}

	if answer.Response != approval.ResponseYes {
		if revErr := sess.RevertChanges(); revErr != nil {
			w.log.Warn("revert after rejection failed", "ts", inv.Ts, "path", path, "error", revErr)
		}
		return w.deny(inv, tracker, answer, path, started)
	}

	userEdits, err := sess.SaveChanges()
	if err != nil {
		return w.fail(inv, tracker, sess, fmt.Sprintf("failed to save changes: %v", err), started)
	}

	_ = tracker.Advance(approval.StateApproved)
	final := approval.Payload{
		Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StateApproved,
		Path: path, Content: content,
	}
	w.ch.UpdateAsk(final)

	res := Result{}
	if userEdits != "" {
		kind := approval.SayFileEdited
		if !fileExisted {
			kind = approval.SayFileCreated
		}
		w.ch.Say(kind, path, nil)
		res.Text = "The user made the following updates to your content:\n\n<user_edits>\n" + userEdits +
			"\n</user_edits>\n\nThe updated content has been successfully saved to " + path +
			". Do not re-send the full file content in your response; it is already saved as shown above."
	} else {
		res.Text = "The content was successfully saved to " + path +
			". Do not re-read the file; the saved content matches exactly what you provided."
	}

	if answer.Text != "" || len(answer.Images) > 0 {
		w.ch.Say(approval.SayUserFeedback, answer.Text, answer.Images)
		withFeedback := final
		withFeedback.FeedbackText = answer.Text
		withFeedback.FeedbackImages = answer.Images
		_ = tracker.Advance(approval.StateApproved)
		w.ch.UpdateAsk(withFeedback)
		res.Text += feedbackSection(answer.Text)
		res.Images = answer.Images
	}

	if w.journal != nil {
		w.journal.Finish(inv.Ts, approval.StateApproved, "completed", time.Since(started).Milliseconds(), answer.Text)
	}
	return res
}

// Abort reverts the preview of an invocation cancelled from outside before
// Run reached a terminal state.
func (w *FileWriter) Abort() {
	w.mu.Lock()
	sess := w.sess
	w.sess = nil
	w.finalizing = false
	w.mu.Unlock()

	if sess != nil && sess.IsOpen() {
		if err := sess.RevertChanges(); err != nil {
			w.log.Warn("abort revert failed", "error", err)
		}
	}
}

func (w *FileWriter) ensureSession(path string) (DiffSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sess != nil && w.sess.IsOpen() {
		return w.sess, nil
	}

	// Existence is checked before the preview writes anything; it decides
	// result wording only.
	w.existed = w.diffs.Exists(path)

	sess := w.diffs.NewSession()
	if err := sess.Open(path); err != nil {
		return nil, err
	}
	w.sess = sess
	return sess, nil
}

func (w *FileWriter) deny(inv Invocation, tracker *approval.Tracker, answer approval.Answer, path string, started time.Time) Result {
	_ = tracker.Advance(approval.StateRejected)

	payload := approval.Payload{
		Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StateRejected, Path: path,
	}
	res := Result{Text: "The user denied this operation. The file was not written."}
	if answer.Response == approval.ResponseMessage {
		text := answer.Text
		if strings.TrimSpace(text) == "" {
			text = "The user declined the proposed file content."
		}
		payload.FeedbackText = answer.Text
		payload.FeedbackImages = answer.Images
		w.ch.Say(approval.SayUserFeedback, answer.Text, answer.Images)
		res.Text = "The user denied this operation and provided the following feedback:" + feedbackBlock(text)
		res.Images = answer.Images
	} else if reason := strings.TrimSpace(answer.Text); reason != "" {
		// A timed-out ask resolves as a plain denial carrying a reason.
		res.Text = "The user denied this operation: " + reason + ". The file was not written."
	}
	w.ch.UpdateAsk(payload)

	if w.journal != nil {
		w.journal.Finish(inv.Ts, approval.StateRejected, "", time.Since(started).Milliseconds(), answer.Text)
	}
	return res
}

func (w *FileWriter) fail(inv Invocation, tracker *approval.Tracker, sess DiffSession, msg string, started time.Time) Result {
	fc := classifyFailure(msg)
	w.log.Warn("file write failed",
		"ts", inv.Ts, "path", inv.Path, "code", string(fc.Code), "retryable", fc.Retryable,
		"error", sanitizeLogText(msg, 200))
	if sess != nil && sess.IsOpen() {
		if err := sess.RevertChanges(); err != nil {
			w.log.Warn("revert after failure failed", "ts", inv.Ts, "path", inv.Path, "error", err)
		}
	}

	_ = tracker.Advance(approval.StateError)
	w.ch.UpdateAsk(approval.Payload{
		Ts: inv.Ts, Kind: approval.KindFileWrite, State: approval.StateError,
		Path: inv.Path, Output: msg,
	})
	w.ch.Say(approval.SayError, msg, nil)

	if w.journal != nil {
		w.journal.Finish(inv.Ts, approval.StateError, string(fc.Code), time.Since(started).Milliseconds(), "")
	}
	return Result{Text: "Error writing file: " + msg}
}
