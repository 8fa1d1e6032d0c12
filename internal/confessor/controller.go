// Package confessor drives one invitation at a time from the caller's side:
// it writes the record, then races the priest's answer against a timer.
package confessor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
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

var log = logging.Logger("confessor")

var tracer = otel.Tracer("github.com/petervdpas/shrive/internal/confessor")

// DefaultTimeout is how long a priest has to answer.
const DefaultTimeout = 30 * time.Second

// attempt is the life of one sent invitation. resolved is the
// single-assignment cell: it is set exactly once, under Controller.mu.
type attempt struct {
	inv      *invite.Invitation
	awaiting bool
	sub      *realtime.Subscription
	timer    *clock.Timer
	span     trace.Span

	resolved bool
	outcome  Outcome
	done     chan struct{}
}

// Controller is the invitation lifecycle of one confessor session.
type Controller struct {
	repo        *invite.Repository
	clock       clock.Clock
	displayName string

	mu        sync.Mutex
	timeout   time.Duration
	state     State
	current   *attempt
	last      *Outcome
	onOutcome func(Outcome)
	onState   func(State)
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimeout sets the response window (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithClock replaces the clock driving the response timer.
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

// WithDisplayName sets the name priests see. Empty means anonymous.
func WithDisplayName(name string) Option {
	return func(c *Controller) { c.displayName = name }
}

// New creates an idle Controller.
func New(repo *invite.Repository, opts ...Option) *Controller {
	c := &Controller{
		repo:    repo,
		clock:   clock.New(),
		timeout: DefaultTimeout,
		state:   StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnOutcome registers the callback for every resolved invitation.
func (c *Controller) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	c.onOutcome = fn
	c.mu.Unlock()
}

// OnState registers the callback for state changes.
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// SetTimeout changes the response window of later awaits.
func (c *Controller) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
	log.Infof("response timeout set to %s", d)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastOutcome returns the most recent resolution, if any.
func (c *Controller) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// Current returns the invitation being waited on.
func (c *Controller) Current() (*invite.Invitation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	inv := *c.current.inv
	return &inv, true
}

func (c *Controller) setStateLocked(s State) func() {
	c.state = s
	if fn := c.onState; fn != nil {
		return func() { fn(s) }
	}
	return func() {}
}

// Send writes a new PENDING invitation for priestID with fresh invitation
// and room ids. Only an idle controller can send.
func (c *Controller) Send(ctx context.Context, priestID, confessorID string) (*invite.Invitation, error) {
	if _, err := util.ValidateKey(priestID); err != nil {
		return nil, apperr.Validationf("send", "priestId: %v", err)
	}
	if _, err := util.ValidateKey(confessorID); err != nil {
		return nil, apperr.Validationf("send", "confessorId: %v", err)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return nil, apperr.Statef("send", "controller is %s", st)
	}
	notify := c.setStateLocked(StateSending)
	c.mu.Unlock()
	notify()

	inv := &invite.Invitation{
		InvitationID:         uuid.NewString(),
		RoomID:               uuid.NewString(),
		ConfessorID:          confessorID,
		ConfessorDisplayName: c.displayName,
		PriestID:             priestID,
		Status:               invite.StatusPending,
	}

	ctx, span := tracer.Start(ctx, "confessor.Send", trace.WithAttributes(
		attribute.String("invitation.id", inv.InvitationID),
		attribute.String("priest.id", priestID),
	))
	defer span.End()

	if err := c.repo.Create(ctx, inv); err != nil {
		tracing.Fail(span, err)
		c.mu.Lock()
		notify := c.setStateLocked(StateIdle)
		c.mu.Unlock()
		notify()
		log.Warnf("send to %s failed: %v", priestID, err)
		return nil, err
	}

	c.mu.Lock()
	c.current = &attempt{inv: inv, done: make(chan struct{})}
	notify = c.setStateLocked(StateWaiting)
	c.mu.Unlock()
	notify()

	log.Infof("invitation %s sent to %s (room %s)", inv.InvitationID, priestID, inv.RoomID)
	out := *inv
	return &out, nil
}

// Await races the priest's answer against the timeout and returns the one
// outcome. Cancelling ctx cancels the invitation.
func (c *Controller) Await(ctx context.Context, inv *invite.Invitation) (Outcome, error) {
	if inv == nil {
		return Outcome{}, apperr.Validationf("await", "nil invitation")
	}

	c.mu.Lock()
	a := c.current
	switch {
	case a == nil || a.inv.InvitationID != inv.InvitationID:
		c.mu.Unlock()
		return Outcome{}, apperr.Statef("await", "invitation %s is not the one being waited on", inv.InvitationID)
	case a.awaiting:
		c.mu.Unlock()
		return Outcome{}, apperr.Statef("await", "invitation %s is already awaited", inv.InvitationID)
	}
	a.awaiting = true
	_, a.span = tracer.Start(ctx, "confessor.Await", trace.WithAttributes(
		attribute.String("invitation.id", inv.InvitationID),
		attribute.String("timeout", c.timeout.String()),
	))

	sub, err := c.repo.Watch(a.inv.PriestID, a.inv.InvitationID, func(got *invite.Invitation, err error) {
		c.observe(a, got, err)
	})
	if err != nil {
		c.mu.Unlock()
		c.settle(a, Outcome{Result: Failed, InvitationID: a.inv.InvitationID, Err: err})
		<-a.done
		return a.outcome, nil
	}
	a.sub = sub
	a.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(a) })
	c.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		err := c.cancelAttempt(cctx, a)
		cancel()
		if err != nil {
			log.Warnf("cancel on context end: %v", err)
		}
		<-a.done
	}
	return a.outcome, nil
}

// observe handles one value of the watched record.
func (c *Controller) observe(a *attempt, got *invite.Invitation, err error) {
	var o Outcome
	switch {
	case err != nil:
		o = Outcome{Result: Failed, Err: err}
	case got == nil:
		o = Outcome{Result: Canceled}
	case got.Status == invite.StatusPending:
		return
	case got.Status == invite.StatusAccepted:
		room := got.RoomID
		if room == "" {
			room = a.inv.RoomID
		}
		o = Outcome{Result: Accepted, RoomID: room}
	case got.Status == invite.StatusRejected:
		o = Outcome{Result: Rejected}
	default:
		// MISSED, EXPIRED written elsewhere, or a status we do not know
		o = Outcome{Result: Canceled}
	}
	o.InvitationID = a.inv.InvitationID
	c.settle(a, o)
}

// expire runs when the timer fires.
func (c *Controller) expire(a *attempt) {
	if !c.claim(a) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	if _, err := c.repo.Transition(ctx, a.inv, invite.StatusExpired); err != nil {
		// the timeout stands even if the priest answered at the deadline
		log.Warnf("invitation %s: EXPIRED write failed: %v", a.inv.InvitationID, err)
	}
	c.finish(a, Outcome{Result: TimedOut, InvitationID: a.inv.InvitationID})
}

// Cancel aborts the invitation being waited on and marks it EXPIRED. It is
// a no-op when nothing is pending. The controller returns to IDLE even if
// the write fails; the write error is returned.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	a := c.current
	st := c.state
	c.mu.Unlock()
	if st == StateSending {
		return apperr.Statef("cancel", "invitation is still being sent")
	}
	if a == nil {
		return nil
	}
	return c.cancelAttempt(ctx, a)
}

func (c *Controller) cancelAttempt(ctx context.Context, a *attempt) error {
	if !c.claim(a) {
		return nil
	}
	_, err := c.repo.Transition(ctx, a.inv, invite.StatusExpired)
	if err != nil {
		log.Warnf("invitation %s: cancel write failed: %v", a.inv.InvitationID, err)
	}
	c.finish(a, Outcome{Result: Canceled, InvitationID: a.inv.InvitationID})
	return err
}

// claim takes the resolution cell for a and stops both race arms. Only the
// first caller gets true.
func (c *Controller) claim(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.resolved {
		return false
	}
	a.resolved = true
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.sub != nil {
		a.sub.Cancel()
	}
	return true
}

// settle claims and finishes in one step.
func (c *Controller) settle(a *attempt, o Outcome) {
	if c.claim(a) {
		c.finish(a, o)
	}
}

// finish publishes the outcome of a claimed attempt and returns to IDLE.
func (c *Controller) finish(a *attempt, o Outcome) {
	c.mu.Lock()
	a.outcome = o
	c.last = &o
	if c.current == a {
		c.current = nil
	}
	notifyTerminal := c.setStateLocked(o.Result.state())
	notifyIdle := c.setStateLocked(StateIdle)
	onOutcome := c.onOutcome
	span := a.span
	c.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("outcome", o.Result.String()))
		if o.Err != nil {
			tracing.Fail(span, o.Err)
		}
		span.End()
	}
	log.Infow("invitation resolved", "invitation", o.InvitationID, "outcome", o.Result.String())

	close(a.done)
	notifyTerminal()
	notifyIdle()
	if onOutcome != nil {
		onOutcome(o)
	}
}
