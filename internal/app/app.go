// Package app wires the approval channel, terminal manager, diff preview
// surface, invocation journal and gate service together and serves them as
// flowersec RPC streams to locally connected operator clients.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/diffview"
	"github.com/toolgate/toolgate/internal/gate"
	"github.com/toolgate/toolgate/internal/invokestore"
	"github.com/toolgate/toolgate/internal/procinfo"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/term"
)

type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string
}

type App struct {
	log     *slog.Logger
	cfg     *config.Config
	version string

	approvals *approval.Service
	terminals *term.Manager
	diffs     *diffview.Provider
	journal   *invokestore.Store
	gate      *gate.Service

	mu     sync.Mutex
	closed bool
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	approvals := approval.NewService(approval.Options{Logger: log})
	terminals := term.NewManager(cfg.Shell, cfg.RootDir, log)
	diffs := diffview.NewProvider(cfg.RootDir, log)

	var journal *invokestore.Store
	if dir := strings.TrimSpace(cfg.StoreDir); dir != "" {
		s, err := invokestore.Open(filepath.Join(dir, "invocations.db"))
		if err != nil {
			return nil, err
		}
		journal = s
	}

	policy, err := config.LoadApprovalPolicy(config.DefaultApprovalPolicyPath())
	if err != nil {
		log.Warn("approval policy load failed, prompting for everything", "error", err)
		policy = &config.ApprovalPolicy{}
	}
	policy.ApplyToConfig(cfg)

	g := gate.NewService(gate.Deps{
		Logger:   log,
		Config:   cfg,
		Channel:  approvals,
		Terminal: terminals,
		Diffs:    diffs,
		Journal:  journal,
		Policy:   policy,
		Sys:      procinfo.Prober{},
	})

	return &App{
		log:       log,
		cfg:       cfg,
		version:   opts.Version,
		approvals: approvals,
		terminals: terminals,
		diffs:     diffs,
		journal:   journal,
		gate:      g,
	}, nil
}

// ListenAndServe accepts operator connections on a unix socket until the
// context is cancelled. Every connection is one RPC stream; local clients
// are trusted with the full permission cap.
func (a *App) ListenAndServe(ctx context.Context, socketPath string) error {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		return errors.New("missing socket path")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return err
	}
	// A previous unclean shutdown leaves the socket file behind.
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(socketPath)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	a.log.Info("listening", "socket", socketPath, "root_dir", a.cfg.RootDir, "version", a.version)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("accept failed", "error", err)
			continue
		}

		meta := &session.Meta{
			EndpointID:      "local",
			CanRead:         true,
			CanWrite:        true,
			CanExecute:      true,
			CreatedAtUnixMs: time.Now().UnixMilli(),
		}
		go func() {
			defer conn.Close()
			a.ServeRPCStream(ctx, conn, meta)
		}()
	}
}

// ServeRPCStream runs one operator RPC session over the given stream.
func (a *App) ServeRPCStream(ctx context.Context, stream io.ReadWriteCloser, meta *session.Meta) {
	router := rpc.NewRouter()
	srv := rpc.NewServer(stream, router)
	defer a.approvals.DetachSink(srv)

	a.approvals.Register(router, meta, srv)
	a.gate.Register(router, meta)

	_ = srv.Serve(ctx)
}

// Close aborts in-flight invocations and releases owned resources.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.gate.AbortAll()
	if a.journal != nil {
		_ = a.journal.Close()
	}
}
