package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry on a later pass.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds requests made with the default client.
	// Sync passes apply their own, shorter, per-call deadlines.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so bearer tokens and API keys never
// reach a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the client used by the REST adapters: a 30-second
// timeout and the same-host redirect policy.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:       httpClientTimeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// SanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func SanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Request is one JSON call made through Do.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
	Label  string
}

// Do sends req and decodes a 2xx JSON response into result (which may be
// nil). Network failures, 429 and 5xx responses are returned as
// TransientError. 404 wraps ErrNotFound.
func Do(ctx context.Context, client *http.Client, req Request, result any) error {
	var body io.Reader

	if req.Body != nil {
		var payload []byte

		switch b := req.Body.(type) {
		case json.RawMessage:
			payload = b
		default:
			p, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("marshalling request body: %w", err)
			}

			payload = p
		}

		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		wrapped := fmt.Errorf("%w: %s: %w", syncerr.ErrAPIRequest, req.Label, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", req.Label, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s returned status %d: %s", syncerr.ErrAPIResponse, req.Label, resp.StatusCode, SanitizeResponseBody(respBody))

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case resp.StatusCode == http.StatusTooManyRequests:
			return &TransientError{Err: fmt.Errorf("%w: %w", syncerr.ErrRateLimited, err)}
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", syncerr.ErrNotAuthenticated, err)
		case isTransientStatus(resp.StatusCode):
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", syncerr.ErrAPIResponse, req.Label, err)
		}
	}

	return nil
}
