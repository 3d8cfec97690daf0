// Package oauth keeps the broadcaster's Twitch user token fresh. A refresher
// wakes on a jittered interval, refreshes when the stored token is close to
// expiry, persists the result and hands the new access token to the Helix and
// chat clients.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RefreshFunc performs the provider refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Store persists tokens. db.TokenStore implements it.
type Store interface {
	LoadToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	SaveToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// Refresher refreshes one provider's token.
type Refresher struct {
	Provider string
	Store    Store
	Refresh  RefreshFunc
	// OnRefresh receives each new access token after it is persisted.
	OnRefresh func(access string)
	// Interval between checks (default 5m, ±20% jitter).
	Interval time.Duration
	// Window refreshes when the remaining lifetime is at most this (default 15m).
	Window time.Duration
	Clock  clockwork.Clock
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
}

// Run blocks until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	log := slog.Default().With(slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider))
	for {
		jitter := time.Duration(rand.Int64N(int64(r.Interval/5)*2+1)) - r.Interval/5 //nolint:gosec // scheduling jitter
		select {
		case <-ctx.Done():
			return
		case <-r.Clock.After(r.Interval + jitter):
		}
		refreshed, err := r.Check(ctx)
		if err != nil {
			log.Warn("token refresh failed", slog.Any("err", err))
			continue
		}
		if refreshed {
			log.Info("token refreshed")
		}
	}
}

// Check refreshes the token if it is inside the window. It reports whether a
// refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	r.defaults()
	_, rt, exp, scope, err := r.Store.LoadToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if rt == "" || r.Clock.Until(exp) > r.Window {
		return false, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	at, newRT, newExp, newScope, err := r.Refresh(ctx2, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := r.Store.SaveToken(ctx, r.Provider, at, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, err
	}
	if r.OnRefresh != nil {
		r.OnRefresh(at)
	}
	return true, nil
}
