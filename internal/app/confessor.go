package app

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/petervdpas/shrive/internal/confessor"
	"github.com/petervdpas/shrive/internal/config"
	"github.com/petervdpas/shrive/internal/profile"
)

// RunConfessor connects to the hub and drives one confessor from the
// console until quit, end of input or ctx.
func RunConfessor(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	con := opt.console()

	stop, err := startTracing(ctx, opt)
	if err != nil {
		return err
	}
	defer stop()

	signIn, err := signInFor(ctx, cfg, con)
	if err != nil {
		return err
	}
	name := opt.displayName()
	c, err := dial(ctx, cfg.Hub.URL, opt.engine(), signIn, con, name)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctl := confessor.New(c.repo,
		confessor.WithTimeout(cfg.Invitation.Timeout()),
		confessor.WithDisplayName(name),
	)
	ctl.OnState(func(s confessor.State) {
		if msg := s.Message(); msg != "" {
			con.printf("%s", msg)
		}
	})
	watchConfig(ctx, opt.CfgPath, func(nc config.Config) {
		ctl.SetTimeout(nc.Invitation.Timeout())
		log.Infof("invitation timeout is now %s", nc.Invitation.Timeout())
	})

	r := &confessorREPL{client: c, ctl: ctl}
	con.printf("Signed in as %s. Type 'help' for commands.", name)
	con.loop(ctx, func(cmd command) bool {
		r.handle(ctx, cmd)
		return true
	})

	if ctl.State() == confessor.StateWaiting {
		if err := ctl.Cancel(context.Background()); err != nil {
			log.Warnf("cancel on exit: %v", err)
		}
	}
	r.wg.Wait()
	return nil
}

type confessorREPL struct {
	*client
	ctl *confessor.Controller

	mu      sync.Mutex
	priests []profile.Priest

	wg sync.WaitGroup
}

func (r *confessorREPL) handle(ctx context.Context, cmd command) {
	if r.callCommand(ctx, cmd) {
		return
	}
	switch cmd.name {
	case "help":
		r.out.printf("priests [language]  list available priests")
		r.out.printf("invite <n>          invite priest n from the last list")
		r.out.printf("cancel              withdraw the pending invitation")
		r.out.printf("status              show the invitation state")
		r.out.printf("say <text>, mute, stats, hangup during a call; quit to leave")
	case "priests":
		r.listPriests(ctx, cmd.args)
	case "invite":
		r.invite(ctx, cmd.args)
	case "cancel":
		if err := r.ctl.Cancel(ctx); err != nil {
			r.out.printf("cancel failed: %v", err)
		}
	case "status":
		if inv, ok := r.ctl.Current(); ok {
			r.out.printf("%s (invitation %s, room %s)", r.ctl.State(), inv.InvitationID, inv.RoomID)
			return
		}
		r.out.printf("%s", r.ctl.State())
	default:
		r.out.printf("unknown command %q", cmd.name)
	}
}

func (r *confessorREPL) listPriests(ctx context.Context, language string) {
	list, err := r.api.Priests(ctx, language, true)
	if err != nil {
		r.out.printf("could not load priests: %v", err)
		return
	}
	r.mu.Lock()
	r.priests = list
	r.mu.Unlock()

	if len(list) == 0 {
		r.out.printf("No priests are available right now.")
		return
	}
	for i, p := range list {
		r.out.printf("%d. %s", i+1, p.Label())
	}
}

func (r *confessorREPL) invite(ctx context.Context, arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	r.mu.Lock()
	if err != nil || n < 1 || n > len(r.priests) {
		r.mu.Unlock()
		r.out.printf("pick a priest number from 'priests'")
		return
	}
	p := r.priests[n-1]
	r.mu.Unlock()

	inv, err := r.ctl.Send(ctx, p.UID, r.sess.UID)
	if err != nil {
		r.out.printf("could not send invitation: %v", err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		o, err := r.ctl.Await(ctx, inv)
		if err != nil {
			r.out.printf("%v", err)
			return
		}
		if o.Result == confessor.Failed && o.Err != nil {
			r.out.printf("cause: %v", o.Err)
		}
		if o.Result != confessor.Accepted {
			return
		}
		if err := r.startCall(ctx, o.RoomID, true, p.Name); err != nil {
			r.out.printf("could not start call: %v", err)
		}
	}()
}
