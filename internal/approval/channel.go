package approval

import "context"

// Kind identifies what an ask is gating.
type Kind string

const (
	KindCommand   Kind = "command"
	KindFileWrite Kind = "file_write"
)

// SayKind identifies one-way notifications.
type SayKind string

const (
	SayError        SayKind = "error"
	SayUserFeedback SayKind = "user_feedback"
	SayFileEdited   SayKind = "file_edited"
	SayFileCreated  SayKind = "file_created"
)

// Response is the operator's decision on an ask.
type Response string

const (
	ResponseYes     Response = "yesButtonTapped"
	ResponseNo      Response = "noButtonTapped"
	ResponseMessage Response = "messageResponse"
)

// Answer carries the operator decision plus optional free-text feedback and
// image attachments (data URLs).
type Answer struct {
	Response Response `json:"response"`
	Text     string   `json:"text,omitempty"`
	Images   []string `json:"images,omitempty"`
}

// Payload is the state broadcast for one invocation, keyed by Ts. Consumers
// render only the most recent payload per Ts.
type Payload struct {
	Ts   int64 `json:"ts"`
	Kind Kind  `json:"kind"`
	State State `json:"state"`

	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Output  string `json:"output,omitempty"`

	// Outcome qualifies the final approved broadcast: "completed" or "partial".
	Outcome string `json:"outcome,omitempty"`

	EarlyExit EarlyExit `json:"early_exit,omitempty"`

	FeedbackText   string   `json:"feedback_text,omitempty"`
	FeedbackImages []string `json:"feedback_images,omitempty"`
}

// Channel is the request/response protocol between an engine and the human
// operator.
//
// Ask suspends until the operator responds (or the wait is bounded out);
// exactly one Ask may be outstanding per invocation. UpdateAsk is a
// fire-and-forget state broadcast and must never fail the owning operation.
// Say is a one-way notification with no response expected.
type Channel interface {
	Ask(ctx context.Context, p Payload) (Answer, error)
	UpdateAsk(p Payload)
	Say(kind SayKind, text string, images []string)
}
