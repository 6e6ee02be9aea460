package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for the signed-in user.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RESTStore talks to a PostgREST-style endpoint at <base>/rest/v1/<collection>.
type RESTStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     TokenSource
}

var _ Store = (*RESTStore)(nil)

// NewRESTStore creates a store for baseURL. If httpClient is nil,
// NewHTTPClient is used.
func NewRESTStore(baseURL, apiKey string, tokens TokenSource, httpClient *http.Client) *RESTStore {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	return &RESTStore{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		tokens:     tokens,
	}
}

func (s *RESTStore) headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("apikey", s.apiKey)

	if s.tokens != nil {
		tok, err := s.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		h.Set("Authorization", "Bearer "+tok)
	}

	return h, nil
}

func (s *RESTStore) endpoint(collection string, q url.Values) string {
	u := s.baseURL + "/rest/v1/" + collection
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return u
}

func (s *RESTStore) call(ctx context.Context, method, collection string, q url.Values, body any, representation bool) ([]json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	h, err := s.headers(ctx)
	if err != nil {
		return nil, err
	}

	if representation {
		h.Set("Prefer", "return=representation")
	}

	var rows []json.RawMessage

	err = Do(ctx, s.httpClient, Request{
		Method: method,
		URL:    s.endpoint(collection, q),
		Header: h,
		Body:   body,
		Label:  method + " " + collection,
	}, &rows)

	return rows, err
}

func (s *RESTStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "*")

	rows, err := s.call(ctx, http.MethodGet, collection, q, nil, false)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", collection, id, ErrNotFound)
	}

	return rows[0], nil
}

func (s *RESTStore) Insert(ctx context.Context, collection string, row json.RawMessage) (json.RawMessage, error) {
	rows, err := s.call(ctx, http.MethodPost, collection, nil, row, true)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s returned no rows", collection)
	}

	return rows[0], nil
}

func (s *RESTStore) Update(ctx context.Context, collection, id string, patch json.RawMessage) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)

	rows, err := s.call(ctx, http.MethodPatch, collection, q, patch, true)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", collection, id, ErrNotFound)
	}

	return rows[0], nil
}

func (s *RESTStore) QueryUpdatedAfter(ctx context.Context, collection, userID string, since time.Time) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("order", "updated_at.asc")

	if !since.IsZero() {
		q.Set("updated_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}

	return s.call(ctx, http.MethodGet, collection, q, nil, false)
}
