package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/identity"
	"github.com/petervdpas/shrive/internal/profile"
	"github.com/petervdpas/shrive/internal/util"
)

// APIClient talks to a hub's JSON API. It implements identity.Provider.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client

	adminPassword string
}

var _ identity.Provider = (*APIClient)(nil)

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithAdmin returns a copy that authenticates /api/admin calls.
func (c *APIClient) WithAdmin(password string) *APIClient {
	cp := *c
	cp.adminPassword = password
	return &cp
}

// RealtimeURL is the websocket URL of the hub's realtime store.
func (c *APIClient) RealtimeURL() (string, error) {
	return util.WebSocketURL(c.BaseURL, "/realtime")
}

// Health checks /healthz.
func (c *APIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return apperr.Validationf("health", "%v", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Transport("health", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return apperr.Transport("health", fmt.Errorf("status %s", resp.Status))
	}
	return nil
}

func (c *APIClient) SignInAnonymously(ctx context.Context) (identity.Session, error) {
	var sess identity.Session
	err := c.do(ctx, "sign in anonymously", http.MethodPost, "/api/auth/anonymous", nil, &sess)
	return sess, err
}

func (c *APIClient) Register(ctx context.Context, email, password string) (identity.Session, error) {
	var sess identity.Session
	err := c.do(ctx, "register", http.MethodPost, "/api/auth/register", credentials{email, password}, &sess)
	return sess, err
}

func (c *APIClient) SignIn(ctx context.Context, email, password string) (identity.Session, error) {
	var sess identity.Session
	err := c.do(ctx, "sign in", http.MethodPost, "/api/auth/signin", credentials{email, password}, &sess)
	return sess, err
}

// Priests lists verified priests speaking language ("" or "Any" for all).
func (c *APIClient) Priests(ctx context.Context, language string, availableOnly bool) ([]profile.Priest, error) {
	q := url.Values{}
	if language != "" && language != profile.AnyLanguage {
		q.Set("language", language)
	}
	if availableOnly {
		q.Set("available", strconv.FormatBool(true))
	}
	path := "/api/priests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []profile.Priest
	if err := c.do(ctx, "list priests", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []profile.Priest{}
	}
	return out, nil
}

func (c *APIClient) Profile(ctx context.Context, uid string) (*profile.Profile, error) {
	var p profile.Profile
	if err := c.do(ctx, "get profile", http.MethodGet, "/api/profile?uid="+url.QueryEscape(uid), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile stores name, email, photo and languages. The hub keeps the
// priest flags it already has.
func (c *APIClient) SaveProfile(ctx context.Context, p *profile.Profile) (*profile.Profile, error) {
	var out profile.Profile
	if err := c.do(ctx, "save profile", http.MethodPut, "/api/profile", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) SetAvailability(ctx context.Context, uid string, available bool) error {
	return c.do(ctx, "set availability", http.MethodPost, "/api/profile/availability",
		availabilityRequest{UID: uid, Available: available}, nil)
}

// SetVerified needs a client from WithAdmin.
func (c *APIClient) SetVerified(ctx context.Context, uid string, verified bool) error {
	return c.do(ctx, "set verified", http.MethodPost, "/api/admin/verify",
		verifyRequest{UID: uid, Verified: verified}, nil)
}

func (c *APIClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Validationf(op, "encode request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return apperr.Validationf(op, "%v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminPassword != "" {
		req.SetBasicAuth("admin", c.adminPassword)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Transport(op, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// decodeError rebuilds the hub's error so apperr kinds and the identity
// sentinels survive the round trip.
func decodeError(op string, resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body = errorBody{Error: fmt.Sprintf("status %s", resp.Status)}
	}

	var cause error
	switch body.Code {
	case codeInvalidCredentials:
		cause = identity.ErrInvalidCredentials
	case codeEmailTaken:
		cause = identity.ErrEmailTaken
	default:
		cause = errors.New(body.Error)
	}

	kind := body.Kind
	if kind == "" {
		switch resp.StatusCode {
		case http.StatusBadRequest:
			kind = apperr.KindValidation
		case http.StatusNotFound:
			kind = apperr.KindNotFound
		case http.StatusConflict:
			kind = apperr.KindState
		default:
			kind = apperr.KindTransport
		}
	}
	return &apperr.Error{Kind: kind, Op: op, Cause: cause}
}
