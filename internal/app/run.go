package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/call"
	"github.com/petervdpas/shrive/internal/config"
	"github.com/petervdpas/shrive/internal/identity"
	"github.com/petervdpas/shrive/internal/profile"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/rendezvous"
	"github.com/petervdpas/shrive/internal/storage"
	"github.com/petervdpas/shrive/internal/tracing"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Version string

	// Console streams of the confessor and priest roles. Nil means
	// stdin/stdout.
	In  io.Reader
	Out io.Writer

	// Engine overrides the pion engine built from Cfg.Call.
	Engine call.Engine

	// Ready is called with the hub once it listens. Server role only.
	Ready func(*rendezvous.Server)
}

func (o Options) console() *console {
	in, out := o.In, o.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return newConsole(in, out)
}

func (o Options) engine() call.Engine {
	if o.Engine != nil {
		return o.Engine
	}
	return call.NewPionEngine(pionConfig(o.Cfg.Call))
}

// displayName is the name shown to the other side of a call.
func (o Options) displayName() string {
	if o.Cfg.Identity.DisplayName != "" {
		return o.Cfg.Identity.DisplayName
	}
	return o.Cfg.Invitation.DefaultDisplayName
}

// startTracing installs the tracer provider; the returned func flushes it.
func startTracing(ctx context.Context, o Options) (func(), error) {
	tm := tracing.NewManager(o.Cfg.Tracing, o.Version)
	if err := tm.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return func() {
		if err := tm.Shutdown(context.Background()); err != nil {
			log.Warnf("tracing shutdown: %v", err)
		}
	}, nil
}

// RunServer runs the hub until ctx is done.
func RunServer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner("hub", opt.Dir, opt.CfgPath)

	stop, err := startTracing(ctx, opt)
	if err != nil {
		return err
	}
	defer stop()

	dataDir := ""
	if cfg.Paths.DataDir != "" {
		dataDir = util.ResolvePath(opt.Dir, cfg.Paths.DataDir)
	}
	db, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := realtime.Open(ctx, db)
	if err != nil {
		return err
	}
	defer store.Close()

	addr := net.JoinHostPort(cfg.Hub.Bind, strconv.Itoa(cfg.Hub.Port))
	srv := rendezvous.New(addr, store, identity.New(db), profile.New(db),
		rendezvous.WithAdminPassword(cfg.Hub.AdminPassword),
		rendezvous.WithExternalURL(cfg.Hub.URL),
	)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	if opt.Ready != nil {
		opt.Ready(srv)
	}

	<-ctx.Done()
	log.Info("hub stopping")
	return nil
}

// watchConfig calls fn with every valid edit of the config file.
func watchConfig(ctx context.Context, path string, fn func(config.Config)) {
	if path == "" {
		return
	}
	go func() {
		if err := config.Watch(ctx, path, fn); err != nil {
			log.Warnf("config watch: %v", err)
		}
	}()
}

// signInFor prompts for a password when an email is configured and signs
// in anonymously otherwise.
func signInFor(ctx context.Context, cfg config.Config, con *console) (signInFunc, error) {
	if cfg.Identity.Email == "" {
		return anonymous, nil
	}
	pw, ok := con.ask(ctx, "Password for "+cfg.Identity.Email, "")
	if !ok {
		return nil, context.Canceled
	}
	return withPassword(cfg.Identity.Email, pw), nil
}
