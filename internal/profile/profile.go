// Package profile reads and writes user profiles and answers the priest
// directory queries a confessor runs before sending an invitation.
package profile

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/storage"
	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("profile")

// Collection holds one document per user id.
const Collection = "users"

// AnyLanguage disables language filtering, as does "".
const AnyLanguage = "Any"

// SupportedLanguages are the choices offered to confessors.
var SupportedLanguages = []string{AnyLanguage, "English", "Spanish", "French", "Latin", "German", "Italian"}

// DocStore is the document storage profiles live in. *storage.DB
// implements it.
type DocStore interface {
	GetDoc(ctx context.Context, collection, id string) (map[string]any, bool, error)
	SetDoc(ctx context.Context, collection, id string, data map[string]any) error
	MergeDoc(ctx context.Context, collection, id string, fields map[string]any) error
	ListDocs(ctx context.Context, collection string) ([]storage.Doc, error)
}

// Profile is the users/{uid} document.
type Profile struct {
	UID                      string   `json:"uid"`
	Name                     string   `json:"name"`
	Email                    string   `json:"email"`
	PhotoURL                 string   `json:"photoUrl,omitempty"`
	Languages                []string `json:"languages"`
	IsPriestVerified         bool     `json:"isPriestVerified"`
	IsAvailableForConfession bool     `json:"isAvailableForConfession"`
}

// Priest is a directory entry shown to confessors.
type Priest struct {
	UID       string   `json:"uid"`
	Name      string   `json:"name"`
	Languages []string `json:"languages"`
	Available bool     `json:"available"`
}

// Label is the line a confessor picks a priest by.
func (p Priest) Label() string {
	name := p.Name
	if name == "" {
		name = p.UID
		if len(name) > 4 {
			name = name[len(name)-4:]
		}
	}
	if name == "" {
		name = "N/A"
	}
	return "Priest " + name + " (Languages: " + strings.Join(p.Languages, ", ") + ")"
}

// Speaks reports whether the priest lists language. "" and "Any" match
// every priest.
func (p Priest) Speaks(language string) bool {
	if language == "" || language == AnyLanguage {
		return true
	}
	return slices.ContainsFunc(p.Languages, func(l string) bool { return strings.EqualFold(l, language) })
}

func (p *Profile) priest() Priest {
	return Priest{UID: p.UID, Name: p.Name, Languages: p.Languages, Available: p.IsAvailableForConfession}
}

// Service reads and writes profiles.
type Service struct {
	docs DocStore
}

// New creates a Service over docs.
func New(docs DocStore) *Service {
	return &Service{docs: docs}
}

// Get loads a profile. A missing profile is a NotFoundError.
func (s *Service) Get(ctx context.Context, uid string) (*Profile, error) {
	uid, err := util.ValidateKey(uid)
	if err != nil {
		return nil, apperr.Validationf("get profile", "uid: %v", err)
	}
	data, ok, err := s.docs.GetDoc(ctx, Collection, uid)
	if err != nil {
		return nil, apperr.Transport("get profile", err)
	}
	if !ok {
		return nil, apperr.NotFoundf("get profile", "no profile for %s", uid)
	}
	return decode(uid, data)
}

// Save replaces the profile of p.UID.
func (s *Service) Save(ctx context.Context, p *Profile) error {
	uid, err := util.ValidateKey(p.UID)
	if err != nil {
		return apperr.Validationf("save profile", "uid: %v", err)
	}
	p.UID = uid
	p.Name = strings.TrimSpace(p.Name)
	if p.Languages == nil {
		p.Languages = []string{}
	}
	data, err := encode(p)
	if err != nil {
		return apperr.Validationf("save profile", "%v", err)
	}
	if err := s.docs.SetDoc(ctx, Collection, uid, data); err != nil {
		return apperr.Transport("save profile", err)
	}
	log.Infof("profile %s saved", uid)
	return nil
}

// SetAvailability sets whether a verified priest takes invitations.
func (s *Service) SetAvailability(ctx context.Context, uid string, available bool) error {
	p, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	if !p.IsPriestVerified {
		return apperr.Statef("set availability", "%s is not a verified priest", uid)
	}
	if err := s.docs.MergeDoc(ctx, Collection, p.UID, map[string]any{"isAvailableForConfession": available}); err != nil {
		return apperr.Transport("set availability", err)
	}
	log.Infof("priest %s available=%v", p.UID, available)
	return nil
}

// SetVerified grants or revokes the priest role. Revoking also clears
// availability.
func (s *Service) SetVerified(ctx context.Context, uid string, verified bool) error {
	p, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	fields := map[string]any{"isPriestVerified": verified}
	if !verified {
		fields["isAvailableForConfession"] = false
	}
	if err := s.docs.MergeDoc(ctx, Collection, p.UID, fields); err != nil {
		return apperr.Transport("set verified", err)
	}
	log.Infof("priest %s verified=%v", p.UID, verified)
	return nil
}

// Availability reports the availability flag of uid.
func (s *Service) Availability(ctx context.Context, uid string) (bool, error) {
	p, err := s.Get(ctx, uid)
	if err != nil {
		return false, err
	}
	return p.IsAvailableForConfession, nil
}

// IsVerifiedPriest reports whether uid is a verified priest. A missing
// profile is not one.
func (s *Service) IsVerifiedPriest(ctx context.Context, uid string) (bool, error) {
	p, err := s.Get(ctx, uid)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsPriestVerified, nil
}

// VerifiedPriests lists verified priests speaking language, ordered by id.
func (s *Service) VerifiedPriests(ctx context.Context, language string) ([]Priest, error) {
	return s.priests(ctx, language, false)
}

// AvailablePriests lists verified priests speaking language who currently
// take invitations.
func (s *Service) AvailablePriests(ctx context.Context, language string) ([]Priest, error) {
	return s.priests(ctx, language, true)
}

func (s *Service) priests(ctx context.Context, language string, availableOnly bool) ([]Priest, error) {
	docs, err := s.docs.ListDocs(ctx, Collection)
	if err != nil {
		return nil, apperr.Transport("list priests", err)
	}
	out := []Priest{}
	for _, d := range docs {
		p, err := decode(d.ID, d.Data)
		if err != nil {
			log.Warnf("skipping profile %s: %v", d.ID, err)
			continue
		}
		if !p.IsPriestVerified || (availableOnly && !p.IsAvailableForConfession) {
			continue
		}
		pr := p.priest()
		if pr.Speaks(language) {
			out = append(out, pr)
		}
	}
	return out, nil
}

func encode(p *Profile) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	delete(data, "uid")
	return data, nil
}

func decode(uid string, data map[string]any) (*Profile, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, apperr.Validationf("profile", "decode %s: %v", uid, err)
	}
	p.UID = uid
	if p.Languages == nil {
		p.Languages = []string{}
	}
	return &p, nil
}
