package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/floegence/flowersec/flowersec-go/rpc"
)

type sinkMsg struct {
	TypeID  uint32
	Payload json.RawMessage
}

// sinkWriter decouples broadcast producers from a possibly slow RPC stream.
// Non-final updates are dropped when the consumer lags; the engine's final
// broadcast bypasses this path entirely (see Service.notifyFinal).
type sinkWriter struct {
	srv *rpc.Server
	log *slog.Logger

	ch   chan sinkMsg
	once sync.Once
	done chan struct{}
}

func newSinkWriter(srv *rpc.Server, log *slog.Logger) *sinkWriter {
	w := &sinkWriter{
		srv:  srv,
		log:  log,
		ch:   make(chan sinkMsg, 256),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *sinkWriter) loop() {
	defer close(w.done)
	for msg := range w.ch {
		if w.srv == nil {
			return
		}
		if err := w.srv.Notify(msg.TypeID, msg.Payload); err != nil {
			// Stream likely closed. The upper layer will call DetachSink via defer.
			if w.log != nil && !errors.Is(err, context.Canceled) {
				w.log.Debug("approval notify failed", "error", err)
			}
			return
		}
	}
}

func (w *sinkWriter) TrySend(msg sinkMsg) {
	if w == nil {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	// Best-effort: if the consumer is slow, drop the update. Observers only
	// render the most recent payload per invocation, so a dropped
	// intermediate update is recoverable.
	select {
	case w.ch <- msg:
	default:
	}
}

func (w *sinkWriter) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.ch)
	})
	<-w.done
}
