// Command stream-copilot is a Twitch chat assistant.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Joins chat and dispatches commands, and follows channel-point
//     redemptions and stream events over EventSub.
//   - Runs the Ruler of the Redeem contest, the credit raffle and the coin flip.
//   - Serves the overlay websocket, /healthz, /readyz, /metrics and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-copilot/bot"
	"github.com/onnwee/stream-copilot/chat"
	"github.com/onnwee/stream-copilot/config"
	"github.com/onnwee/stream-copilot/db"
	"github.com/onnwee/stream-copilot/leaderboard"
	"github.com/onnwee/stream-copilot/oauth"
	"github.com/onnwee/stream-copilot/server"
	"github.com/onnwee/stream-copilot/sound"
	"github.com/onnwee/stream-copilot/telemetry"
	"github.com/onnwee/stream-copilot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("stream-copilot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded statements cover images shipped
	// without the migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := &db.TokenStore{DB: database}
	var oauthConf *oauth2.Config
	if cfg.TwitchClientID != "" {
		oauthConf = twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, twitchapi.ParseScopes(cfg.TwitchScopes), nil)
	}

	helixClient := newHelix(ctx, cfg, tokens)

	chatClient := chat.New(chat.Options{Username: cfg.TwitchBotUsername, Token: cfg.TwitchOAuthToken, Channel: cfg.TwitchChannel})
	hub := sound.NewHub(sound.NewLibrary(cfg.SoundDir))
	board := leaderboard.New(cfg.LeaderboardURL)

	deps := bot.Deps{
		Chat:     chatClient,
		Overlay:  hub,
		Scores:   board,
		Counters: &db.Counters{DB: database},
		Prefs:    &db.Prefs{DB: database},
		KV:       &db.KV{DB: database},
		Rewards:  &db.Rewards{DB: database},
		Breaker:  board.State,
	}
	if helixClient != nil {
		deps.Platform = helixClient
	}
	app, err := bot.New(ctx, *cfg, deps)
	if err != nil {
		slog.Error("bot setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		slog.Error("bot start failed", slog.Any("err", err))
		os.Exit(1)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			slog.Debug("worker stopped", slog.String("worker", name))
		}()
	}

	run("sound", func() { hub.Run(ctx) })
	run("chat", func() {
		if err := chatClient.Run(ctx, app.OnMessage); err != nil {
			slog.Error("chat client exited", slog.Any("err", err), slog.String("component", "chat"))
		}
	})

	if helixClient != nil {
		es := &twitchapi.EventSub{
			URL:           cfg.EventSubURL,
			BroadcasterID: helixClient.BroadcasterID(),
			Subscriber:    helixClient,
			Handlers:      app.EventHandlers(),
		}
		run("eventsub", func() {
			if err := es.Run(ctx); err != nil {
				slog.Error("eventsub exited", slog.Any("err", err), slog.String("component", "eventsub"))
			}
		})

		if oauthConf != nil && cfg.TwitchClientSecret != "" {
			refresher := &oauth.Refresher{
				Provider: "twitch",
				Store:    tokens,
				Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
					res, err := twitchapi.RefreshToken(rctx, oauthConf, refreshToken)
					if err != nil {
						return "", "", time.Time{}, "", err
					}
					return res.AccessToken, res.RefreshToken, res.Expiry, res.Scope, nil
				},
				OnRefresh: func(access string) {
					helixClient.SetUserToken(access)
					if strings.EqualFold(cfg.TwitchBotUsername, cfg.TwitchChannel) {
						chatClient.SetToken(access)
					}
				},
			}
			run("oauth", func() { refresher.Run(ctx) })
		}
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(ctx, server.Deps{
		DB:         database,
		Overlay:    hub,
		Admin:      app,
		AdminToken: cfg.AdminToken,
		OAuth:      oauthConf,
		Sessions:   server.NewSessionStore(cfg.SessionSecret),
		OnToken: func(_ context.Context, tok *twitchapi.TokenResult) {
			if helixClient != nil {
				helixClient.SetUserToken(tok.AccessToken)
			}
		},
		Ready: func(rctx context.Context) error {
			var errs []error
			if err := app.Ready(rctx); err != nil {
				errs = append(errs, err)
			}
			if !chatClient.Connected() {
				errs = append(errs, errors.New("chat not connected"))
			}
			return errors.Join(errs...)
		},
	})
	run("http", func() {
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	})

	<-ctx.Done()
	slog.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Close(closeCtx)
	wg.Wait()
}

// newHelix builds the broadcaster API client, preferring a stored token over
// the env token. It returns nil when the app credentials or token are missing.
func newHelix(ctx context.Context, cfg *config.Config, tokens *db.TokenStore) *twitchapi.Helix {
	if !cfg.HelixEnabled() {
		slog.Info("helix disabled, channel points and eventsub are off", slog.String("component", "twitchapi"))
		return nil
	}
	access, refresh := cfg.BroadcasterToken, cfg.BroadcasterRefreshToken
	if a, r, _, _, err := tokens.LoadToken(ctx, "twitch"); err == nil && a != "" {
		access, refresh = a, r
	} else if refresh != "" {
		// seed the store so the refresher has something to rotate
		if err := tokens.SaveToken(ctx, "twitch", access, refresh, time.Now(), cfg.TwitchScopes); err != nil {
			slog.Warn("seed twitch token failed", slog.Any("err", err), slog.String("component", "oauth"))
		}
	}
	h, err := twitchapi.NewHelix(twitchapi.HelixOptions{
		ClientID:      cfg.TwitchClientID,
		ClientSecret:  cfg.TwitchClientSecret,
		UserToken:     access,
		RefreshToken:  refresh,
		BroadcasterID: cfg.BroadcasterID,
	})
	if err != nil {
		slog.Error("helix setup failed", slog.Any("err", err), slog.String("component", "twitchapi"))
		return nil
	}
	if h.BroadcasterID() == "" {
		u, ok, err := h.ResolveUser(ctx, cfg.TwitchChannel)
		if err != nil || !ok {
			slog.Error("resolve broadcaster failed", slog.String("channel", cfg.TwitchChannel), slog.Any("err", err), slog.String("component", "twitchapi"))
			return nil
		}
		h.SetBroadcasterID(u.ID)
	}
	return h
}
