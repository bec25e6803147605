package gate

import (
	"context"
	"strings"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"

	"github.com/toolgate/toolgate/internal/engine"
	"github.com/toolgate/toolgate/internal/session"
)

const (
	TypeID_TOOL_INVOKE     uint32 = 7006
	TypeID_TOOL_RESULT_GET uint32 = 7007
	TypeID_TOOL_ABORT      uint32 = 7008
	TypeID_TOOL_PARTIAL    uint32 = 7009
	TypeID_TOOL_COMMIT     uint32 = 7010
)

type invokeReq struct {
	Kind    string `json:"kind"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Silent  bool   `json:"silent,omitempty"`

	// Stream stages a file write: the preview opens immediately, content
	// arrives through TOOL_PARTIAL pushes, and TOOL_COMMIT finalizes.
	Stream bool `json:"stream,omitempty"`
}

type invokeResp struct {
	Ts int64 `json:"ts"`
}

type resultGetReq struct {
	Ts int64 `json:"ts"`
}

type resultGetResp struct {
	Done   bool     `json:"done"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
}

type abortReq struct {
	Ts int64 `json:"ts"`
}

type abortResp struct {
	OK bool `json:"ok"`
}

type partialReq struct {
	Ts      int64  `json:"ts"`
	Content string `json:"content"`
}

type partialResp struct {
	OK bool `json:"ok"`
}

type commitReq struct {
	Ts      int64  `json:"ts"`
	Content string `json:"content"`
}

type commitResp struct {
	OK bool `json:"ok"`
}

// Register wires the invocation RPCs for one operator session. Invocations
// run detached; clients follow progress through the approval broadcasts and
// collect the result by ts.
func (s *Service) Register(r *rpc.Router, meta *session.Meta) {
	if s == nil || r == nil {
		return
	}

	rpctyped.Register[invokeReq, invokeResp](r, TypeID_TOOL_INVOKE, func(_ context.Context, req *invokeReq) (*invokeResp, error) {
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}

		kind := engine.Kind(strings.TrimSpace(req.Kind))
		switch kind {
		case engine.KindExecuteCommand:
			if meta == nil || !meta.CanExecute {
				return nil, &rpc.Error{Code: 403, Message: "execute permission denied"}
			}
		case engine.KindWriteToFile:
			if meta == nil || !meta.CanWrite {
				return nil, &rpc.Error{Code: 403, Message: "write permission denied"}
			}
		default:
			return nil, &rpc.Error{Code: 400, Message: "unknown tool kind"}
		}

		if req.Stream && kind != engine.KindWriteToFile {
			return nil, &rpc.Error{Code: 400, Message: "stream requires write_to_file"}
		}

		ts := s.NewInvocationID()
		inv := engine.Invocation{
			Ts:      ts,
			Kind:    kind,
			Command: req.Command,
			Path:    req.Path,
			Content: req.Content,
			Silent:  req.Silent,
		}
		if req.Stream {
			s.BeginWrite(inv, req.Cwd)
		} else {
			s.StartDetached(inv, req.Cwd)
		}
		return &invokeResp{Ts: ts}, nil
	})

	rpctyped.Register[resultGetReq, resultGetResp](r, TypeID_TOOL_RESULT_GET, func(_ context.Context, req *resultGetReq) (*resultGetResp, error) {
		if meta == nil || !meta.CanRead {
			return nil, &rpc.Error{Code: 403, Message: "read permission denied"}
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}

		if res, ok := s.Result(req.Ts); ok {
			return &resultGetResp{Done: true, Text: res.Text, Images: res.Images}, nil
		}
		if s.Running(req.Ts) {
			return &resultGetResp{Done: false}, nil
		}
		return nil, &rpc.Error{Code: 404, Message: "unknown invocation"}
	})

	rpctyped.Register[abortReq, abortResp](r, TypeID_TOOL_ABORT, func(_ context.Context, req *abortReq) (*abortResp, error) {
		if meta == nil || (!meta.CanExecute && !meta.CanWrite) {
			return nil, &rpc.Error{Code: 403, Message: "permission denied"}
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		return &abortResp{OK: s.Abort(req.Ts)}, nil
	})

	rpctyped.Register[partialReq, partialResp](r, TypeID_TOOL_PARTIAL, func(_ context.Context, req *partialReq) (*partialResp, error) {
		if meta == nil || !meta.CanWrite {
			return nil, &rpc.Error{Code: 403, Message: "write permission denied"}
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		s.PushPartial(req.Ts, req.Content)
		return &partialResp{OK: true}, nil
	})

	rpctyped.Register[commitReq, commitResp](r, TypeID_TOOL_COMMIT, func(_ context.Context, req *commitReq) (*commitResp, error) {
		if meta == nil || !meta.CanWrite {
			return nil, &rpc.Error{Code: 403, Message: "write permission denied"}
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		if !s.Commit(req.Ts, req.Content) {
			return nil, &rpc.Error{Code: 404, Message: "no staged invocation"}
		}
		return &commitResp{OK: true}, nil
	})
}
