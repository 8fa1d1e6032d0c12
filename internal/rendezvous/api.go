package rendezvous

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/swaggo/swag"

	_ "github.com/petervdpas/shrive/docs"
	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/identity"
	"github.com/petervdpas/shrive/internal/profile"
)

// Error codes that identify the identity sentinels across HTTP.
const (
	codeInvalidCredentials = "invalid_credentials"
	codeEmailTaken         = "email_taken"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type availabilityRequest struct {
	UID       string `json:"uid"`
	Available bool   `json:"available"`
}

type verifyRequest struct {
	UID      string `json:"uid"`
	Verified bool   `json:"verified"`
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
	Code  string      `json:"code,omitempty"`
}

func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, err := s.ident.SignInAnonymously(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !requireMethod(w, r, http.MethodPost) || !decodeBody(w, r, &c) {
		return
	}
	sess, err := s.ident.Register(r.Context(), c.Email, c.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !requireMethod(w, r, http.MethodPost) || !decodeBody(w, r, &c) {
		return
	}
	sess, err := s.ident.SignIn(r.Context(), c.Email, c.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handlePriests lists verified priests. ?language= filters by language,
// ?available=true keeps only those taking invitations.
func (s *Server) handlePriests(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	availableOnly, _ := strconv.ParseBool(q.Get("available"))

	var (
		priests []profile.Priest
		err     error
	)
	if availableOnly {
		priests, err = s.profiles.AvailablePriests(r.Context(), q.Get("language"))
	} else {
		priests, err = s.profiles.VerifiedPriests(r.Context(), q.Get("language"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priests)
}

// handleProfile reads (GET ?uid=) or saves (PUT) a profile. A PUT never
// changes the priest flags; those belong to the admin and availability
// routes.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.profiles.Get(r.Context(), r.URL.Query().Get("uid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodPut:
		var in profile.Profile
		if !decodeBody(w, r, &in) {
			return
		}
		in.IsPriestVerified, in.IsAvailableForConfession = false, false
		cur, err := s.profiles.Get(r.Context(), in.UID)
		switch {
		case err == nil:
			in.IsPriestVerified = cur.IsPriestVerified
			in.IsAvailableForConfession = cur.IsAvailableForConfession
		case !apperr.IsKind(err, apperr.KindNotFound):
			writeError(w, err)
			return
		}
		if err := s.profiles.Save(r.Context(), &in); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, in)

	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var in availabilityRequest
	if !requireMethod(w, r, http.MethodPost) || !decodeBody(w, r, &in) {
		return
	}
	if err := s.profiles.SetAvailability(r.Context(), in.UID, in.Available); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var in verifyRequest
	if !requireMethod(w, r, http.MethodPost) || !decodeBody(w, r, &in) {
		return
	}
	if err := s.profiles.SetVerified(r.Context(), in.UID, in.Verified); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleOpenAPI serves the description generated into ./docs.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	doc, err := swag.ReadDoc()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(doc))
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error(), Kind: apperr.KindValidation})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	if kind, ok := apperr.KindOf(err); ok {
		body.Kind = kind
		status = statusFor(kind)
	}
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		body.Code, status = codeInvalidCredentials, http.StatusUnauthorized
	case errors.Is(err, identity.ErrEmailTaken):
		body.Code = codeEmailTaken
	}
	if status >= 500 {
		log.Warnf("api error: %v", err)
	}
	writeJSON(w, status, body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransport, apperr.KindListen:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
