// Package priest watches a priest's invitation directory and presents one
// pending invitation at a time.
package priest

import (
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/invite"
	"github.com/petervdpas/shrive/internal/realtime"
	"github.com/petervdpas/shrive/internal/tracing"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("priest")

var tracer = otel.Tracer("github.com/petervdpas/shrive/internal/priest")

// Option configures a Directory.
type Option func(*Directory)

// WithOnPresent sets the callback told about the presented invitation.
// A nil invitation means nothing is presented.
func WithOnPresent(fn func(*invite.Invitation)) Option {
	return func(d *Directory) { d.onPresent = fn }
}

// WithOnAccepted sets the callback run after an accept was written. It runs
// on the goroutine that called Respond.
func WithOnAccepted(fn func(context.Context, *invite.Invitation)) Option {
	return func(d *Directory) { d.onAccepted = fn }
}

// WithOnError sets the callback for a lost directory subscription.
func WithOnError(fn func(error)) Option {
	return func(d *Directory) { d.onError = fn }
}

// Directory tracks the pending invitations of one priest. The presented
// slot changes only under mu; presentation callbacks run in the order the
// changes were decided.
type Directory struct {
	repo       *invite.Repository
	onPresent  func(*invite.Invitation)
	onAccepted func(context.Context, *invite.Invitation)
	onError    func(error)

	mu         sync.Mutex
	priestID   string
	sub        *realtime.Subscription
	gen        uint64
	pending    map[string]*invite.Invitation
	presented  string
	responding string
	held       string

	out *notifier
}

// New creates a stopped Directory.
func New(repo *invite.Repository, opts ...Option) *Directory {
	d := &Directory{
		repo:    repo,
		pending: make(map[string]*invite.Invitation),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start subscribes to the invitations of priestID. A Directory holds one
// subscription; starting it twice is a StateError.
func (d *Directory) Start(priestID string) error {
	id, err := util.ValidateKey(priestID)
	if err != nil {
		return apperr.Validationf("start", "priestId: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return apperr.Statef("start", "already watching invitations of %s", d.priestID)
	}
	d.gen++
	gen := d.gen
	d.priestID = id
	if d.out == nil {
		d.out = newNotifier()
	}

	sub, err := d.repo.WatchPriest(id, func(c invite.Change) { d.apply(gen, c) })
	if err != nil {
		return err
	}
	d.sub = sub
	log.Infof("watching invitations for %s", id)
	return nil
}

// Stop cancels the subscription and forgets every pending invitation. It is
// safe to call more than once.
func (d *Directory) Stop() {
	d.mu.Lock()
	sub, out := d.sub, d.out
	d.sub, d.out = nil, nil
	d.gen++
	d.pending = make(map[string]*invite.Invitation)
	d.presented, d.responding, d.held = "", "", ""
	d.mu.Unlock()

	if sub != nil {
		sub.Cancel()
		log.Infof("stopped watching invitations")
	}
	if out != nil {
		out.stop()
	}
}

// Presented returns the invitation currently shown to the priest.
func (d *Directory) Presented() (*invite.Invitation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.pending[d.presented]
	if !ok {
		return nil, false
	}
	cp := *inv
	return &cp, true
}

// Pending returns every locally known PENDING invitation, oldest first.
func (d *Directory) Pending() []*invite.Invitation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*invite.Invitation, 0, len(d.pending))
	for _, inv := range d.ordered() {
		cp := *inv
		out = append(out, &cp)
	}
	return out
}

// PresentNext releases a hold left by a failed Respond and presents the
// oldest pending invitation, if nothing is presented.
func (d *Directory) PresentNext() (*invite.Invitation, bool) {
	d.mu.Lock()
	d.held = ""
	d.presentNextLocked()
	inv, ok := d.pending[d.presented]
	var cp *invite.Invitation
	if ok {
		c := *inv
		cp = &c
	}
	d.mu.Unlock()
	return cp, ok
}

// Respond writes the priest's answer to the presented invitation, or to
// the one held by a failed Respond. On success the invitation leaves the
// directory, the next one is presented and, for an accept, the OnAccepted
// callback runs, even when Stop raced the write. On failure nothing is
// presented until Respond is retried or PresentNext is called.
func (d *Directory) Respond(ctx context.Context, inv *invite.Invitation, accept bool) error {
	if inv == nil {
		return apperr.Validationf("respond", "nil invitation")
	}
	if inv.InvitationID == "" || inv.PriestID == "" {
		return apperr.Validationf("respond", "invitation id and priest id are required")
	}
	if inv.RoomID == "" {
		return apperr.Validationf("respond", "invitation %s has no room id", inv.InvitationID)
	}

	to := invite.StatusRejected
	if accept {
		to = invite.StatusAccepted
	}

	d.mu.Lock()
	if d.sub == nil {
		d.mu.Unlock()
		return apperr.Statef("respond", "directory is not started")
	}
	if inv.PriestID != d.priestID {
		d.mu.Unlock()
		return apperr.Validationf("respond", "invitation belongs to %s, not %s", inv.PriestID, d.priestID)
	}
	local, ok := d.pending[inv.InvitationID]
	if !ok {
		d.mu.Unlock()
		return apperr.Statef("respond", "invitation %s is not pending", inv.InvitationID)
	}
	if d.responding != "" {
		d.mu.Unlock()
		return apperr.Statef("respond", "already responding to %s", d.responding)
	}
	if inv.InvitationID != d.presented && inv.InvitationID != d.held {
		d.mu.Unlock()
		return apperr.Statef("respond", "invitation %s is not the presented one", inv.InvitationID)
	}
	d.responding = local.InvitationID
	target := *local
	gen := d.gen
	d.mu.Unlock()

	ctx, span := tracer.Start(ctx, "priest.Respond", trace.WithAttributes(
		attribute.String("invitation.id", target.InvitationID),
		attribute.String("status", string(to)),
	))
	defer span.End()

	_, err := d.repo.Transition(ctx, &target, to)

	d.mu.Lock()
	if gen != d.gen {
		// Stopped while the write was in flight. A committed accept still
		// owes its call.
		d.mu.Unlock()
		if err != nil {
			tracing.Fail(span, err)
			return err
		}
		log.Infof("invitation %s %s after stop", target.InvitationID, to)
		d.accepted(ctx, &target, accept)
		return nil
	}
	d.responding = ""
	if err != nil {
		tracing.Fail(span, err)
		_, still := d.pending[target.InvitationID]
		if d.presented == target.InvitationID {
			d.setPresentedLocked("")
		}
		if still {
			d.held = target.InvitationID
		} else {
			d.presentNextLocked()
		}
		d.mu.Unlock()
		log.Warnf("respond %s to %s failed: %v", to, target.InvitationID, err)
		return err
	}

	delete(d.pending, target.InvitationID)
	if d.held == target.InvitationID {
		d.held = ""
	}
	if d.presented == target.InvitationID {
		d.setPresentedLocked("")
	}
	d.presentNextLocked()
	d.mu.Unlock()

	log.Infof("invitation %s %s", target.InvitationID, to)
	d.accepted(ctx, &target, accept)
	return nil
}

func (d *Directory) accepted(ctx context.Context, inv *invite.Invitation, accept bool) {
	if !accept || d.onAccepted == nil {
		return
	}
	inv.Status = invite.StatusAccepted
	d.onAccepted(ctx, inv)
}

func (d *Directory) apply(gen uint64, c invite.Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}

	switch c.Type {
	case invite.Cancelled:
		log.Errorf("invitation directory of %s lost: %v", d.priestID, c.Err)
		d.sub = nil
		d.pending = make(map[string]*invite.Invitation)
		d.responding, d.held = "", ""
		d.setPresentedLocked("")
		if fn := d.onError; fn != nil && d.out != nil {
			err := c.Err
			d.out.push(func() { fn(err) })
		}
		return

	case invite.Added, invite.Changed:
		inv := c.Invitation
		if inv != nil && inv.Status == invite.StatusPending {
			d.pending[c.Key] = inv
			if c.Type == invite.Added {
				log.Debugf("invitation %s from %s pending", c.Key, inv.ConfessorDisplayName)
			}
			d.presentNextLocked()
			return
		}
		d.dropLocked(c.Key)

	case invite.Removed:
		d.dropLocked(c.Key)
	}
}

// dropLocked forgets an invitation that is no longer PENDING.
func (d *Directory) dropLocked(id string) {
	if _, ok := d.pending[id]; !ok {
		return
	}
	delete(d.pending, id)
	if d.responding == id {
		// Respond settles the presentation once its write returns.
		return
	}
	if d.held == id {
		d.held = ""
	}
	if d.presented == id {
		d.setPresentedLocked("")
	}
	d.presentNextLocked()
}

func (d *Directory) presentNextLocked() {
	if d.presented != "" || d.held != "" || d.responding != "" {
		return
	}
	if next := d.ordered(); len(next) > 0 {
		d.setPresentedLocked(next[0].InvitationID)
	}
}

func (d *Directory) setPresentedLocked(id string) {
	if d.presented == id {
		return
	}
	d.presented = id
	fn := d.onPresent
	if fn == nil || d.out == nil {
		return
	}
	var inv *invite.Invitation
	if p, ok := d.pending[id]; ok {
		cp := *p
		inv = &cp
	}
	d.out.push(func() { fn(inv) })
}

// ordered sorts pending by creation time, then id.
func (d *Directory) ordered() []*invite.Invitation {
	list := make([]*invite.Invitation, 0, len(d.pending))
	for _, inv := range d.pending {
		list = append(list, inv)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].InvitationID < list[j].InvitationID
	})
	return list
}
