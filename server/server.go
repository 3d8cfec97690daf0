// Package server exposes the bot's HTTP surface: liveness and readiness probes,
// Prometheus metrics, the overlay websocket, the broadcaster OAuth flow and the
// token-protected admin controls.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-copilot/telemetry"
)

// NewSessionStore returns the cookie store for OAuth state. An empty secret
// gets a random key, so pending logins do not survive a restart.
func NewSessionStore(secret string) sessions.Store {
	key := []byte(secret)
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(32)
	}
	return sessions.NewCookieStore(key)
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter janitor.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = NewSessionStore("")
	}
	h := NewHandlers(deps)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)

	if deps.Overlay != nil {
		mux.Handle("/ws", deps.Overlay)
	}

	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)

	if deps.Admin != nil {
		admin := http.NewServeMux()
		admin.HandleFunc("/admin/raffle/start", h.HandleRaffleStart)
		admin.HandleFunc("/admin/raffle/end", h.HandleRaffleEnd)
		admin.HandleFunc("/admin/raffle/cancel", h.HandleRaffleCancel)
		admin.HandleFunc("/admin/ruler/refresh", h.HandleRulerRefresh)
		admin.HandleFunc("/admin/state", h.HandleState)
		admin.HandleFunc("/admin/rewards.csv", h.HandleRewardsCSV)
		limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
		mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, limiter), loadAuthConfig(deps.AdminToken)))
	}

	return withCorrelation(mux)
}

// withCorrelation tags each request with a correlation id and a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		// websocket upgrades need the raw ResponseWriter (http.Hijacker)
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start serves handler on addr and shuts down gracefully when ctx is canceled.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
