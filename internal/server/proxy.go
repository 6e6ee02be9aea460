package server

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/InnNhi24/vibetune-sync/internal/remote"
)

const maxAIBody = 4 << 20

var serviceName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// aiProxy forwards POST /v1/ai/{service} to <upstream>/<service> with the
// signed-in user's bearer token.
type aiProxy struct {
	tokens remote.TokenSource
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

func newAIProxy(upstream *url.URL, apiKey string, tokens remote.TokenSource, logger *slog.Logger) *aiProxy {
	p := &aiProxy{tokens: tokens, logger: logger}

	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = path.Join("/", upstream.Path, chi.URLParam(pr.In, "service"))
			pr.Out.URL.RawPath = ""
			pr.Out.Host = upstream.Host

			// The inbound Authorization header carries the local API key.
			pr.Out.Header.Del("Authorization")
			if tok := pr.In.Header.Get(forwardTokenHeader); tok != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+tok)
			}
			pr.Out.Header.Del(forwardTokenHeader)

			if apiKey != "" {
				pr.Out.Header.Set("apikey", apiKey)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("ai upstream failed",
				slog.String("service", chi.URLParam(r, "service")),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}

	return p
}

// forwardTokenHeader carries the access token from the handler to Rewrite.
// It is removed before the request leaves.
const forwardTokenHeader = "X-Vibetune-Forward-Token"

func (p *aiProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if !serviceName.MatchString(service) {
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}

	if p.tokens == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	tok, err := p.tokens.AccessToken(r.Context())
	if err != nil {
		p.logger.Debug("ai request without session",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnauthorized, "not authenticated")

		return
	}

	out := r.Clone(r.Context())
	out.Header.Set(forwardTokenHeader, tok)
	out.Body = http.MaxBytesReader(w, r.Body, maxAIBody)

	p.proxy.ServeHTTP(w, out)
}
