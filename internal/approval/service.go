package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"

	"github.com/toolgate/toolgate/internal/session"
)

const (
	TypeID_TOOL_ASK        uint32 = 7001 // notify (agent -> client): new ask awaiting a decision
	TypeID_TOOL_ASK_UPDATE uint32 = 7002 // notify (agent -> client): state broadcast for an ask
	TypeID_TOOL_SAY        uint32 = 7003 // notify (agent -> client): one-way message
	TypeID_TOOL_RESPOND    uint32 = 7004
	TypeID_TOOL_SUBSCRIBE  uint32 = 7005
)

const defaultAskTimeout = 10 * time.Minute

var (
	ErrAskOutstanding = errors.New("ask already outstanding for invocation")
	ErrNotPending     = errors.New("invocation not pending approval")
)

// Options configures the approval service.
type Options struct {
	Logger *slog.Logger

	// AskTimeout bounds how long an ask waits for the operator. Zero means
	// the default (10 min). An expired ask resolves as a denial.
	AskTimeout time.Duration
}

// Service implements Channel over flowersec RPC streams: asks and updates go
// out as notifies to every subscribed stream, and operator decisions come
// back through the respond handler.
type Service struct {
	log        *slog.Logger
	askTimeout time.Duration

	mu      sync.Mutex
	pending map[int64]pendingAsk
	latest  map[int64]Payload
	writers map[*rpc.Server]*sinkWriter
}

type pendingAsk struct {
	kind Kind
	ch   chan Answer
}

func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	to := opts.AskTimeout
	if to <= 0 {
		to = defaultAskTimeout
	}
	return &Service{
		log:        log,
		askTimeout: to,
		pending:    make(map[int64]pendingAsk),
		latest:     make(map[int64]Payload),
		writers:    make(map[*rpc.Server]*sinkWriter),
	}
}

// Ask suspends the calling engine until the operator answers, the context is
// cancelled, or the wait times out. Exactly one ask may be outstanding per
// invocation ts.
func (s *Service) Ask(ctx context.Context, p Payload) (Answer, error) {
	if s == nil {
		return Answer{}, errors.New("nil approval service")
	}
	if p.Ts == 0 {
		return Answer{}, errors.New("missing invocation ts")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.State == "" {
		p.State = StatePending
	}

	ch := make(chan Answer, 1)
	s.mu.Lock()
	if _, ok := s.pending[p.Ts]; ok {
		s.mu.Unlock()
		return Answer{}, ErrAskOutstanding
	}
	s.pending[p.Ts] = pendingAsk{kind: p.Kind, ch: ch}
	s.latest[p.Ts] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, p.Ts)
		s.mu.Unlock()
	}()

	s.broadcast(TypeID_TOOL_ASK, p)

	timer := time.NewTimer(s.askTimeout)
	defer timer.Stop()

	select {
	case ans := <-ch:
		return ans, nil
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	case <-timer.C:
		s.log.Warn("approval ask timed out", "ts", p.Ts, "kind", string(p.Kind))
		return Answer{Response: ResponseNo, Text: "Approval timed out"}, nil
	}
}

// Respond delivers the operator decision for a pending ask. A second response
// for the same ask is a no-op; a response for an unknown ask errors.
func (s *Service) Respond(meta *session.Meta, ts int64, ans Answer) error {
	if s == nil {
		return errors.New("nil approval service")
	}

	s.mu.Lock()
	pa, ok := s.pending[ts]
	s.mu.Unlock()
	if !ok {
		return ErrNotPending
	}

	if err := allowRespond(meta, pa.kind); err != nil {
		return err
	}

	select {
	case pa.ch <- ans:
	default:
		// already decided
	}
	return nil
}

func allowRespond(meta *session.Meta, kind Kind) error {
	if meta == nil {
		return errors.New("missing session metadata")
	}
	switch kind {
	case KindCommand:
		if !meta.CanExecute {
			return errors.New("execute permission denied")
		}
	case KindFileWrite:
		if !meta.CanWrite {
			return errors.New("write permission denied")
		}
	default:
		if !meta.CanRead {
			return errors.New("read permission denied")
		}
	}
	return nil
}

// UpdateAsk broadcasts a state update for an in-flight or completed ask.
// Intermediate states ride the best-effort sink; a finalize broadcast is
// delivered synchronously so it is observably last. Engines only broadcast
// the approved state when finalizing (the feedback re-broadcast included),
// so approved is always final here.
func (s *Service) UpdateAsk(p Payload) {
	if s == nil || p.Ts == 0 {
		return
	}

	final := p.State.Terminal() || p.State == StateApproved

	s.mu.Lock()
	if final {
		delete(s.latest, p.Ts)
	} else {
		s.latest[p.Ts] = p
	}
	s.mu.Unlock()

	if final {
		s.notifyFinal(p)
		return
	}
	s.broadcast(TypeID_TOOL_ASK_UPDATE, p)
}

type sayPayload struct {
	Kind   SayKind  `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
}

// Say sends a one-way notification. No response is expected and failures are
// swallowed.
func (s *Service) Say(kind SayKind, text string, images []string) {
	if s == nil {
		return
	}
	b, err := json.Marshal(sayPayload{Kind: kind, Text: text, Images: images})
	if err != nil {
		return
	}
	s.sendAll(sinkMsg{TypeID: TypeID_TOOL_SAY, Payload: b})
}

func (s *Service) broadcast(typeID uint32, p Payload) {
	b, err := json.Marshal(p)
	if err != nil {
		s.log.Warn("approval broadcast marshal failed", "ts", p.Ts, "error", err)
		return
	}
	s.sendAll(sinkMsg{TypeID: typeID, Payload: b})
}

func (s *Service) sendAll(msg sinkMsg) {
	s.mu.Lock()
	writers := make([]*sinkWriter, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		w.TrySend(msg)
	}
}

// notifyFinal pushes the terminal broadcast synchronously on every stream,
// bypassing the drop-on-slow-consumer sink. Errors are logged and swallowed:
// broadcasting never fails the owning invocation.
func (s *Service) notifyFinal(p Payload) {
	b, err := json.Marshal(p)
	if err != nil {
		s.log.Warn("approval final broadcast marshal failed", "ts", p.Ts, "error", err)
		return
	}

	s.mu.Lock()
	servers := make([]*rpc.Server, 0, len(s.writers))
	for srv := range s.writers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Notify(TypeID_TOOL_ASK_UPDATE, b); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debug("approval final notify failed", "ts", p.Ts, "error", err)
			}
		}
	}
}

// Subscribe binds a stream to future broadcasts and returns the asks still
// awaiting a decision so a reconnecting client can re-render them.
func (s *Service) Subscribe(streamServer *rpc.Server) []Payload {
	if s == nil || streamServer == nil {
		return nil
	}

	s.mu.Lock()
	if _, ok := s.writers[streamServer]; !ok {
		s.writers[streamServer] = newSinkWriter(streamServer, s.log)
	}
	out := make([]Payload, 0, len(s.latest))
	for ts, p := range s.latest {
		if _, stillPending := s.pending[ts]; stillPending {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}

// DetachSink removes a closed stream and stops its writer.
func (s *Service) DetachSink(streamServer *rpc.Server) {
	if s == nil || streamServer == nil {
		return
	}

	s.mu.Lock()
	w := s.writers[streamServer]
	delete(s.writers, streamServer)
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
}

// --- wire types (snake_case JSON) ---

type respondReq struct {
	Ts       int64    `json:"ts"`
	Response string   `json:"response"`
	Text     string   `json:"text,omitempty"`
	Images   []string `json:"images,omitempty"`
}

type respondResp struct {
	OK bool `json:"ok"`
}

type subscribeReq struct{}

type subscribeResp struct {
	Pending []Payload `json:"pending"`
}

// Register wires the approval protocol onto an RPC router for one operator
// session, gated by the session's permission cap.
func (s *Service) Register(r *rpc.Router, meta *session.Meta, streamServer *rpc.Server) {
	if s == nil || r == nil {
		return
	}

	rpctyped.Register[respondReq, respondResp](r, TypeID_TOOL_RESPOND, func(_ context.Context, req *respondReq) (*respondResp, error) {
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		resp := Response(strings.TrimSpace(req.Response))
		switch resp {
		case ResponseYes, ResponseNo, ResponseMessage:
		default:
			return nil, &rpc.Error{Code: 400, Message: "unknown response"}
		}
		ans := Answer{Response: resp, Text: req.Text, Images: req.Images}
		if err := s.Respond(meta, req.Ts, ans); err != nil {
			return nil, toRPCError(err)
		}
		return &respondResp{OK: true}, nil
	})

	rpctyped.Register[subscribeReq, subscribeResp](r, TypeID_TOOL_SUBSCRIBE, func(_ context.Context, _ *subscribeReq) (*subscribeResp, error) {
		if meta == nil || !meta.CanRead {
			return nil, &rpc.Error{Code: 403, Message: "read permission denied"}
		}
		if streamServer == nil {
			return nil, &rpc.Error{Code: 500, Message: "stream not ready"}
		}
		return &subscribeResp{Pending: s.Subscribe(streamServer)}, nil
	})
}

func toRPCError(err error) *rpc.Error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	switch {
	case errors.Is(err, ErrNotPending):
		return &rpc.Error{Code: 404, Message: msg}
	case strings.Contains(strings.ToLower(msg), "permission denied"):
		return &rpc.Error{Code: 403, Message: msg}
	default:
		return &rpc.Error{Code: 400, Message: msg}
	}
}
