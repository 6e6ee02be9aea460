package syncer

//go:generate mockgen -source=network.go -destination=mock_network.go -package=syncer

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	// defaultProbeInterval is how often HTTPProbe polls when no interval
	// is configured.
	defaultProbeInterval = 15 * time.Second

	// probeTimeout bounds a single reachability check.
	probeTimeout = 3 * time.Second
)

// Network reports link reachability.
type Network interface {
	// Online performs a reachability check now.
	Online(ctx context.Context) bool
	// Watch emits the new state on every transition. The channel is
	// closed when ctx is done.
	Watch(ctx context.Context) <-chan bool
}

// HTTPProbe treats the backend as reachable when a HEAD request to its
// health URL gets any HTTP response.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

var _ Network = (*HTTPProbe)(nil)

// NewHTTPProbe creates a probe for url. If client is nil, a client
// without redirects is used.
func NewHTTPProbe(url string, interval time.Duration, client *http.Client, logger *slog.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &HTTPProbe{url: url, interval: interval, client: client, logger: logger}
}

// Online sends one HEAD request.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("network probe failed", slog.String("error", err.Error()))
		return false
	}

	resp.Body.Close()

	return true
}

// Watch polls Online every interval. The first poll happens immediately
// and is always emitted.
func (p *HTTPProbe) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		known := false
		last := false

		for {
			online := p.Online(ctx)
			if ctx.Err() != nil {
				return
			}

			if !known || online != last {
				known = true
				last = online

				p.logger.Info("network state changed", slog.Bool("online", online))

				select {
				case ch <- online:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch
}
