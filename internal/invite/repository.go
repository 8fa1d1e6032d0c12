package invite

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/realtime"
)

var log = logging.Logger("invite")

var tracer = otel.Tracer("github.com/petervdpas/shrive/internal/invite")

// Repository reads and writes invitation records in a realtime store.
type Repository struct {
	store realtime.Store
	clock clock.Clock
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithClock sets the clock used for response timestamps.
func WithClock(c clock.Clock) RepositoryOption {
	return func(r *Repository) { r.clock = c }
}

// NewRepository creates a Repository over store.
func NewRepository(store realtime.Store, opts ...RepositoryOption) *Repository {
	r := &Repository{store: store, clock: clock.New()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the underlying realtime store.
func (r *Repository) Store() realtime.Store { return r.store }

// Create writes a new PENDING record. An existing record at the same path
// is never overwritten.
func (r *Repository) Create(ctx context.Context, inv *Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if inv.Status == "" {
		inv.Status = StatusPending
	}
	if inv.Status != StatusPending {
		return apperr.Validationf("create", "new invitation must be PENDING, got %s", inv.Status)
	}

	ctx, span := tracer.Start(ctx, "invite.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("invitation.id", inv.InvitationID),
		attribute.String("priest.id", inv.PriestID),
	)

	if err := r.store.Create(ctx, inv.Path(), inv.encode()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		if apperr.IsKind(err, apperr.KindConflict) {
			return apperr.Wrap(apperr.KindState, "create", err)
		}
		return asTransport("create", err)
	}
	if inv.ConfessorDisplayName == "" {
		inv.ConfessorDisplayName = DefaultDisplayName
	}
	log.Infow("invitation created", "invitation", inv.InvitationID, "priest", inv.PriestID, "room", inv.RoomID)
	return nil
}

// Get reads one record.
func (r *Repository) Get(ctx context.Context, priestID, invitationID string) (*Invitation, bool, error) {
	v, ok, err := r.store.Get(ctx, Path(priestID, invitationID))
	if err != nil {
		return nil, false, asTransport("get", err)
	}
	if !ok {
		return nil, false, nil
	}
	inv, err := Decode(priestID, invitationID, v)
	if err != nil {
		return nil, false, err
	}
	return inv, true, nil
}

// Transition moves a PENDING record to the terminal status to and stamps
// the response time. The store applies it only while the stored status is
// still PENDING, so a record never leaves a terminal status. A refused
// transition is a StateError; a failed write a TransportError.
func (r *Repository) Transition(ctx context.Context, inv *Invitation, to Status) (int64, error) {
	if err := inv.Validate(); err != nil {
		return 0, err
	}
	if !to.Terminal() {
		return 0, apperr.Validationf("transition", "%q is not a terminal status", to)
	}

	ctx, span := tracer.Start(ctx, "invite.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("invitation.id", inv.InvitationID),
		attribute.String("status", string(to)),
	)

	respondedAt := r.clock.Now().UnixMilli()
	err := r.store.UpdateIf(ctx, inv.Path(),
		realtime.Condition{Field: "status", Equals: string(StatusPending)},
		map[string]any{
			"status":                   string(to),
			"priestRespondedTimestamp": respondedAt,
		},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		if apperr.IsKind(err, apperr.KindConflict) || apperr.IsKind(err, apperr.KindNotFound) {
			return 0, apperr.Wrap(apperr.KindState, "transition", err)
		}
		return 0, asTransport("transition", err)
	}
	log.Infow("invitation resolved", "invitation", inv.InvitationID, "status", to)
	return respondedAt, nil
}

// Watch delivers the record at priestID/invitationID on every change. A nil
// invitation means the record was deleted; a non-nil error ends the watch.
func (r *Repository) Watch(priestID, invitationID string, fn func(inv *Invitation, err error)) (*realtime.Subscription, error) {
	sub, err := r.store.ListenValue(Path(priestID, invitationID), func(ev realtime.Event) {
		switch {
		case ev.Type == realtime.EventCancelled:
			fn(nil, ev.Err)
		case !ev.Exists:
			fn(nil, nil)
		default:
			inv, err := Decode(priestID, invitationID, ev.Value)
			if err != nil {
				log.Warnf("watch %s: %v", invitationID, err)
				// an undecodable record can never become PENDING again
				fn(&Invitation{InvitationID: invitationID, PriestID: priestID}, nil)
				return
			}
			fn(inv, nil)
		}
	})
	if err != nil {
		return nil, asListen("watch", err)
	}
	return sub, nil
}

// ChangeType classifies a directory change.
type ChangeType int

const (
	Added ChangeType = iota
	Changed
	Removed
	// Cancelled ends the watch; Err holds the ListenError.
	Cancelled
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// Change is one event of a priest's invitation directory. Invitation is nil
// for undecodable records and for Cancelled.
type Change struct {
	Type       ChangeType
	Key        string
	Invitation *Invitation
	Err        error
}

// WatchPriest streams changes to a priest's invitations. Existing records
// arrive first as Added, ordered by creation time.
func (r *Repository) WatchPriest(priestID string, fn func(Change)) (*realtime.Subscription, error) {
	sub, err := r.store.ListenChildren(PriestPath(priestID), realtime.Query{OrderBy: "timestamp"}, func(ev realtime.Event) {
		c := Change{Key: ev.Key}
		switch ev.Type {
		case realtime.EventCancelled:
			fn(Change{Type: Cancelled, Err: ev.Err})
			return
		case realtime.EventChildAdded:
			c.Type = Added
		case realtime.EventChildChanged:
			c.Type = Changed
		case realtime.EventChildRemoved:
			c.Type = Removed
		default:
			return
		}
		inv, err := Decode(priestID, ev.Key, ev.Value)
		if err != nil {
			log.Warnf("priest %s: skipping record %s: %v", priestID, ev.Key, err)
		}
		c.Invitation = inv
		fn(c)
	})
	if err != nil {
		return nil, asListen("watchPriest", err)
	}
	return sub, nil
}

func asTransport(op string, err error) error {
	if _, ok := apperr.KindOf(err); ok {
		return err
	}
	return apperr.Transport(op, err)
}

func asListen(op string, err error) error {
	if apperr.IsKind(err, apperr.KindListen) || apperr.IsKind(err, apperr.KindValidation) {
		return err
	}
	return apperr.Listen(op, err)
}
