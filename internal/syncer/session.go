package syncer

import (
	"context"
	"fmt"
	"log/slog"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
)

// session returns a live session, refreshing it when it is close to
// expiry. Successful checks are cached for AuthCacheTTL and concurrent
// validations share one round trip. Every failure wraps
// ErrNotAuthenticated.
func (o *Orchestrator) session(ctx context.Context) (*models.Session, error) {
	if s := o.cachedSession(); s != nil {
		return s, nil
	}

	v, err, _ := o.authGroup.Do("session", func() (any, error) {
		return o.validateSession(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.Session), nil
}

func (o *Orchestrator) cachedSession() *models.Session {
	o.authMu.Lock()
	defer o.authMu.Unlock()

	now := o.now()
	s := o.authSession

	if s == nil || now.Sub(o.authCheckedAt) >= o.cfg.AuthCacheTTL {
		return nil
	}

	if !s.Live(now) || s.ExpiresWithin(now, o.cfg.RefreshThreshold) {
		return nil
	}

	return s
}

func (o *Orchestrator) validateSession(ctx context.Context) (*models.Session, error) {
	callCtx, cancel := o.callContext(ctx)
	s, err := o.cfg.Auth.GetSession(callCtx)
	cancel()

	if err != nil {
		o.invalidateSession()
		return nil, fmt.Errorf("%w: reading session: %v", syncerr.ErrNotAuthenticated, err)
	}

	if s == nil {
		o.invalidateSession()
		return nil, syncerr.ErrNotAuthenticated
	}

	now := o.now()

	if !s.Live(now) || s.ExpiresWithin(now, o.cfg.RefreshThreshold) {
		o.logger.Debug("refreshing session", slog.Time("expires_at", s.ExpiresAt))

		callCtx, cancel := o.callContext(ctx)
		refreshed, err := o.cfg.Auth.RefreshSession(callCtx)
		cancel()

		if err != nil {
			o.invalidateSession()
			return nil, fmt.Errorf("%w: refreshing session: %v", syncerr.ErrNotAuthenticated, err)
		}

		if !refreshed.Live(o.now()) {
			o.invalidateSession()
			return nil, fmt.Errorf("%w: refreshed session is not live", syncerr.ErrNotAuthenticated)
		}

		s = refreshed
	}

	o.authMu.Lock()
	o.authSession = s
	o.authCheckedAt = o.now()
	o.authMu.Unlock()

	return s, nil
}

func (o *Orchestrator) invalidateSession() {
	o.authMu.Lock()
	defer o.authMu.Unlock()

	o.authSession = nil
}

// CheckAuth reports whether a live session is available, using the cache
// when it is fresh.
func (o *Orchestrator) CheckAuth(ctx context.Context) bool {
	_, err := o.session(ctx)
	return err == nil
}
