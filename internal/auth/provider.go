// Package auth manages the signed-in session used for remote calls and
// guards the daemon's local HTTP surface with API keys.
package auth

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
	"github.com/InnNhi24/vibetune-sync/internal/state"
)

// SessionKey is the storage key holding the persisted token pair.
const SessionKey = "auth/v1/session"

// Provider reports and refreshes the current session. GetSession returns
// nil, nil when nobody is signed in.
type Provider interface {
	GetSession(ctx context.Context) (*models.Session, error)
	RefreshSession(ctx context.Context) (*models.Session, error)
}

// Client is a GoTrue-compatible auth client. The token pair is persisted
// in local storage so the daemon stays signed in across restarts.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	store      state.Storage
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	session *models.Session
	loaded  bool
}

var (
	_ Provider           = (*Client)(nil)
	_ remote.TokenSource = (*Client)(nil)
)

// NewClient creates an auth client for baseURL. If httpClient is nil,
// remote.NewHTTPClient is used.
func NewClient(baseURL, apiKey string, store state.Storage, logger *slog.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = remote.NewHTTPClient()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// storedSession is the on-disk form. Valid is recomputed on load.
type storedSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignIn exchanges email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	return c.grant(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// GetSession returns the current session, or nil when nobody has signed
// in. An expired session is returned with Valid false so the caller can
// decide to refresh.
func (c *Client) GetSession(_ context.Context) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return nil, err
	}

	if c.session == nil {
		return nil, nil
	}

	s := *c.session
	s.Valid = s.AccessToken != "" && c.now().Before(s.ExpiresAt)

	return &s, nil
}

// RefreshSession trades the stored refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context) (*models.Session, error) {
	c.mu.Lock()
	err := c.loadLocked()

	var refresh string
	if c.session != nil {
		refresh = c.session.RefreshToken
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if refresh == "" {
		return nil, syncerr.ErrNotAuthenticated
	}

	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": refresh})
}

// AccessToken returns a live bearer token for remote calls.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}

	if !s.Live(c.now()) {
		return "", syncerr.ErrNotAuthenticated
	}

	return s.AccessToken, nil
}

// SignOut forgets the stored session.
func (c *Client) SignOut(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	c.loaded = true

	return c.store.Remove(SessionKey)
}

func (c *Client) grant(ctx context.Context, grantType string, body map[string]string) (*models.Session, error) {
	h := http.Header{}
	h.Set("apikey", c.apiKey)

	var resp tokenResponse

	err := remote.Do(ctx, c.httpClient, remote.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/auth/v1/token?grant_type=" + url.QueryEscape(grantType),
		Header: h,
		Body:   body,
		Label:  "token " + grantType,
	}, &resp)
	if err != nil {
		if !remote.IsTransient(err) {
			err = fmt.Errorf("%w: %w", syncerr.ErrNotAuthenticated, err)
		}

		return nil, err
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access_token", syncerr.ErrAPIResponse)
	}

	s := c.sessionFromResponse(resp)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveLocked(s); err != nil {
		c.logger.Warn("persisting session failed", slog.String("error", err.Error()))
	}

	c.session = s
	c.loaded = true

	c.logger.Info("session established",
		slog.String("grant", grantType),
		slog.String("user_id", s.UserID),
		slog.Time("expires_at", s.ExpiresAt),
	)

	out := *s

	return &out, nil
}

// sessionFromResponse reads expiry and subject from the JWT, falling back
// to the response fields. The signature is not verified here.
func (c *Client) sessionFromResponse(resp tokenResponse) *models.Session {
	s := &models.Session{
		Valid:        true,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, &claims); err == nil {
		if claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time.UTC()
		}

		if claims.Subject != "" {
			s.UserID = claims.Subject
		}
	}

	if s.ExpiresAt.IsZero() {
		switch {
		case resp.ExpiresAt > 0:
			s.ExpiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
		case resp.ExpiresIn > 0:
			s.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
		}
	}

	return s
}

func (c *Client) loadLocked() error {
	if c.loaded {
		return nil
	}

	data, err := c.store.Get(SessionKey)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	c.loaded = true

	if data == nil {
		return nil
	}

	var ss storedSession
	if err := json.Unmarshal(data, &ss); err != nil {
		c.logger.Warn("discarding unreadable stored session", slog.String("error", err.Error()))
		return nil
	}

	c.session = &models.Session{
		AccessToken:  ss.AccessToken,
		RefreshToken: ss.RefreshToken,
		UserID:       ss.UserID,
		ExpiresAt:    ss.ExpiresAt,
	}

	return nil
}

func (c *Client) saveLocked(s *models.Session) error {
	data, err := json.Marshal(storedSession{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UserID:       s.UserID,
		ExpiresAt:    s.ExpiresAt,
	})
	if err != nil {
		return err
	}

	return c.store.Set(SessionKey, data)
}
