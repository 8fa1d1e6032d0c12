package app

import (
	"context"
	"errors"
	"strings"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/invite"
	"github.com/petervdpas/shrive/internal/priest"
	"github.com/petervdpas/shrive/internal/profile"
	"github.com/petervdpas/shrive/internal/util"
)

// RunPriest signs a priest in, makes them available and presents incoming
// invitations on the console until quit, end of input or ctx.
func RunPriest(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if cfg.Identity.Email == "" {
		return apperr.Validationf("priest", "identity.email is required to sign in as a priest")
	}
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

	p, err := c.api.Profile(ctx, c.sess.UID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		p, err = c.api.SaveProfile(ctx, &profile.Profile{
			UID:   c.sess.UID,
			Name:  name,
			Email: c.sess.Email,
		})
	}
	if err != nil {
		return err
	}
	if !p.IsPriestVerified {
		con.printf("Your account is not verified as a priest yet. Ask the hub administrator to verify %s.", c.sess.UID)
		return apperr.Statef("priest", "%s is not a verified priest", c.sess.UID)
	}

	r := &priestREPL{client: c}
	r.dir = priest.New(c.repo,
		priest.WithOnPresent(r.present),
		priest.WithOnAccepted(func(_ context.Context, inv *invite.Invitation) {
			if err := r.startCall(ctx, inv.RoomID, false, inv.ConfessorDisplayName); err != nil {
				con.printf("could not start call: %v", err)
			}
		}),
		priest.WithOnError(func(err error) {
			con.printf("Lost the invitation feed: %v. Type 'available on' to reconnect.", err)
		}),
	)
	defer r.dir.Stop()

	if err := r.setAvailable(ctx, true); err != nil {
		return err
	}
	defer func() {
		actx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := r.setAvailable(actx, false); err != nil {
			log.Warnf("availability on exit: %v", err)
		}
	}()

	con.printf("Signed in as %s. Type 'help' for commands.", name)
	con.loop(ctx, func(cmd command) bool {
		r.handle(ctx, cmd)
		return true
	})
	return nil
}

type priestREPL struct {
	*client
	dir *priest.Directory
}

func (r *priestREPL) present(inv *invite.Invitation) {
	if inv == nil {
		return
	}
	n := len(r.dir.Pending())
	r.out.printf("Invitation from %s (%d waiting). accept or reject?", inv.ConfessorDisplayName, n)
}

// setAvailable publishes availability and starts or stops listening.
func (r *priestREPL) setAvailable(ctx context.Context, on bool) error {
	if err := r.api.SetAvailability(ctx, r.sess.UID, on); err != nil {
		return err
	}
	if !on {
		r.dir.Stop()
		r.out.printf("You are unavailable.")
		return nil
	}
	if err := r.dir.Start(r.sess.UID); err != nil && !apperr.IsKind(err, apperr.KindState) {
		return err
	}
	r.out.printf("You are available for confession.")
	return nil
}

func (r *priestREPL) handle(ctx context.Context, cmd command) {
	if r.callCommand(ctx, cmd) {
		return
	}
	switch cmd.name {
	case "help":
		r.out.printf("available on|off   toggle availability")
		r.out.printf("accept, reject     answer the presented invitation")
		r.out.printf("pending            list waiting invitations")
		r.out.printf("next               present the oldest waiting invitation")
		r.out.printf("say <text>, mute, stats, hangup during a call; quit to leave")
	case "available":
		on := strings.EqualFold(cmd.args, "on")
		if !on && !strings.EqualFold(cmd.args, "off") {
			r.out.printf("usage: available on|off")
			return
		}
		if err := r.setAvailable(ctx, on); err != nil {
			r.out.printf("could not change availability: %v", err)
		}
	case "accept", "reject":
		r.respond(ctx, cmd.name == "accept")
	case "pending":
		list := r.dir.Pending()
		if len(list) == 0 {
			r.out.printf("No invitations waiting.")
		}
		for i, inv := range list {
			r.out.printf("%d. %s", i+1, inv.ConfessorDisplayName)
		}
	case "next":
		if _, ok := r.dir.PresentNext(); !ok {
			r.out.printf("No invitations waiting.")
		}
	default:
		r.out.printf("unknown command %q", cmd.name)
	}
}

func (r *priestREPL) respond(ctx context.Context, accept bool) {
	inv, ok := r.dir.Presented()
	if !ok {
		r.out.printf("No invitation is presented. Try 'next'.")
		return
	}
	if accept {
		if _, busy := r.activeCall(); busy {
			r.out.printf("Hang up the current call first.")
			return
		}
	}
	err := r.dir.Respond(ctx, inv, accept)
	switch {
	case err == nil:
		if !accept {
			r.out.printf("Declined %s.", inv.ConfessorDisplayName)
		}
	case errors.Is(err, apperr.ErrConflict):
		r.out.printf("The invitation is no longer pending.")
	default:
		r.out.printf("Could not answer: %v. Type 'next' to try again.", err)
	}
}
