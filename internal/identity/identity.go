// Package identity signs users in, anonymously or with email and password.
package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/profile"
)

var log = logging.Logger("identity")

// Collection holds one account per lower-cased email.
const Collection = "accounts"

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// Session identifies a signed-in user.
type Session struct {
	UID       string `json:"uid"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// Provider signs users in. Service implements it against the hub's
// database; the rendezvous API client implements it over HTTP.
type Provider interface {
	SignInAnonymously(ctx context.Context) (Session, error)
	Register(ctx context.Context, email, password string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCost sets the bcrypt cost of new password hashes.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// Service stores accounts in a document store.
type Service struct {
	docs profile.DocStore
	cost int

	// serialises the check-then-write of Register
	mu sync.Mutex
}

// New creates a Service over docs.
func New(docs profile.DocStore, opts ...Option) *Service {
	s := &Service{docs: docs, cost: bcrypt.DefaultCost}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SignInAnonymously returns a session with a fresh uid.
func (s *Service) SignInAnonymously(ctx context.Context) (Session, error) {
	sess := Session{UID: uuid.NewString(), Anonymous: true}
	log.Infof("anonymous session %s", sess.UID)
	return sess, nil
}

// Register creates an account. An address already in use is a
// ConflictError wrapping ErrEmailTaken.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if len(password) < MinPasswordLength {
		return Session{}, apperr.Validationf("register", "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, apperr.Validationf("register", "%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists, err := s.docs.GetDoc(ctx, Collection, email)
	if err != nil {
		return Session{}, apperr.Transport("register", err)
	}
	if exists {
		return Session{}, apperr.Wrap(apperr.KindConflict, "register", ErrEmailTaken)
	}

	sess := Session{UID: uuid.NewString(), Email: email}
	if err := s.docs.SetDoc(ctx, Collection, email, map[string]any{
		"uid":          sess.UID,
		"passwordHash": string(hash),
		"createdAt":    time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return Session{}, apperr.Transport("register", err)
	}
	log.Infof("registered %s as %s", email, sess.UID)
	return sess, nil
}

// SignIn checks a password. Unknown addresses and wrong passwords both
// yield ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	data, ok, err := s.docs.GetDoc(ctx, Collection, email)
	if err != nil {
		return Session{}, apperr.Transport("sign in", err)
	}
	invalid := apperr.Wrap(apperr.KindValidation, "sign in", ErrInvalidCredentials)
	if !ok {
		return Session{}, invalid
	}
	hash, _ := data["passwordHash"].(string)
	uid, _ := data["uid"].(string)
	if hash == "" || uid == "" {
		log.Warnf("account %s is incomplete", email)
		return Session{}, invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Session{}, invalid
	}
	return Session{UID: uid, Email: email}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validationf("email", "%q is not an email address", email)
	}
	return email, nil
}
