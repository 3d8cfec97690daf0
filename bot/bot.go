// Package bot assembles the chat assistant: the command table, the channel-point
// handlers and the stream lifecycle hooks, on top of the dispatch engine and the
// ruler, raffle and gamble games.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-copilot/command"
	"github.com/onnwee/stream-copilot/config"
	"github.com/onnwee/stream-copilot/dispatch"
	"github.com/onnwee/stream-copilot/gamble"
	"github.com/onnwee/stream-copilot/raffle"
	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/ruler"
	"github.com/onnwee/stream-copilot/server"
	"github.com/onnwee/stream-copilot/twitchapi"
	"github.com/onnwee/stream-copilot/users"
)

const oddsKey = "gamble.heads_odds"

// Chat posts to the channel.
type Chat interface {
	Say(channel, text string)
	Reply(channel, parentID, text string)
}

// Overlay is the browser-source event bus; *sound.Hub satisfies it.
type Overlay interface {
	Play(name string, volume float64)
	Speak(voice, text string, rate int)
	Broadcast(event string, data any)
	Clients() int
}

// Scores is the leaderboard; *leaderboard.Client satisfies it.
type Scores interface {
	Value(ctx context.Context, userID, key string) (int, error)
	Add(ctx context.Context, userID, key string, delta, def int) error
}

// Platform is the Twitch API surface the bot needs; *twitchapi.Helix satisfies it.
type Platform interface {
	redeem.RewardAPI
	redeem.StatusAPI
	ResolveUser(ctx context.Context, handle string) (twitchapi.User, bool, error)
	ChannelCategory(ctx context.Context) (string, error)
}

// KV stores small settings; *db.KV satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// RewardStore mirrors the reward catalog; *db.Rewards satisfies it.
type RewardStore interface {
	Save(ctx context.Context, rewards []redeem.Reward) error
	List(ctx context.Context) ([]redeem.Reward, error)
}

// Rand is the randomness source shared by the games.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Deps are the collaborators. Platform, Overlay, Prefs, KV, Rewards and Breaker
// are optional.
type Deps struct {
	Chat     Chat
	Overlay  Overlay
	Platform Platform
	Scores   Scores
	Counters raffle.Counters
	Prefs    users.PrefStore
	KV       KV
	Rewards  RewardStore
	// Breaker reports the leaderboard circuit state for the admin view.
	Breaker func() string
	Clock   clockwork.Clock
	Rand    Rand
}

// App is the running assistant.
type App struct {
	cfg   config.Config
	d     Deps
	clock clockwork.Clock
	rng   Rand

	Commands *command.Registry
	Users    *users.List
	Engine   *dispatch.Engine
	Catalog  *redeem.Registry
	Router   *redeem.Router
	Ruler    *ruler.Ruler
	Raffle   *raffle.Raffle
	Gamble   *gamble.Gamble

	base   context.Context
	ready  atomic.Bool
	closed atomic.Bool

	mu       sync.Mutex
	category string
	rotation context.CancelFunc
	rotIdx   int
	adTimer  clockwork.Timer
}

// globalRand draws from the math/rand/v2 top-level source, which is safe for
// concurrent use.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// New builds the games and registers commands and reward handlers. Nothing talks
// to the platform until Start.
func New(ctx context.Context, cfg config.Config, d Deps) (*App, error) {
	if d.Chat == nil || d.Scores == nil || d.Counters == nil {
		return nil, errors.New("bot: chat, scores and counters are required")
	}
	a := &App{cfg: cfg, d: d, clock: d.Clock, rng: d.Rand, base: context.Background()}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.rng == nil {
		a.rng = globalRand{}
	}

	var platform redeem.RewardAPI
	var status redeem.StatusAPI
	if d.Platform != nil {
		platform, status = d.Platform, d.Platform
	}
	a.Catalog = redeem.NewRegistry(platform)
	a.Router = redeem.NewRouter(a.Catalog, status)

	var cues interface{ Play(string, float64) }
	if d.Overlay != nil {
		cues = d.Overlay
	}

	rc := ruler.DefaultConfig()
	rc.Channel = cfg.TwitchChannel
	rc.ClaimReward, rc.StealReward, rc.RefreshReward = cfg.RewardRuler, cfg.RewardSteal, cfg.RewardRefresh
	rc.LeaderboardKey = cfg.RulerKey
	a.Ruler = ruler.New(ctx, rc, a.clock, a.rng, a.Catalog, d.Scores, d.Chat)

	fc := raffle.DefaultConfig()
	fc.Channel, fc.CreditsKey = cfg.TwitchChannel, cfg.CreditsKey
	a.Raffle = raffle.New(fc, a.clock, a.rng, d.Counters, d.Scores, d.Chat, cues)

	gc := gamble.DefaultConfig()
	gc.Channel, gc.CreditsKey = cfg.TwitchChannel, cfg.CreditsKey
	a.Gamble = gamble.New(gc, a.clock, a.rng, d.Scores, d.Chat, cues)

	a.Commands = command.NewRegistry()
	if err := a.registerCommands(); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	a.Users = users.NewList(d.Prefs)
	a.Engine = &dispatch.Engine{
		Registry:  a.Commands,
		Users:     a.Users,
		Chat:      d.Chat,
		Pipeline:  pipeline{a},
		Category:  a.Category,
		Clock:     a.clock,
		Prefix:    cfg.CommandPrefix,
		BotLogin:  cfg.TwitchBotUsername,
		Shortcuts: shortcuts(),
	}
	a.declareRedeems()
	return a, nil
}

// Start loads the reward catalog, binds the reward handlers, publishes the first
// ruler challenge, loads the stream category and restores the coin odds. A reward handler whose title is
// missing from a live catalog is an error.
func (a *App) Start(ctx context.Context) error {
	a.base = context.WithoutCancel(ctx)
	log := slog.With(slog.String("component", "bot"))

	live, err := a.loadRewards(ctx)
	if err != nil {
		return err
	}
	c := a.Commands.Counts()
	log.Info("commands registered", slog.Int("triggers", c.Triggers), slog.Int("unique", c.UniqueTriggers),
		slog.Int("regex_patterns", c.Patterns), slog.Int("regex_unique", c.UniqueRegexes))

	if err := a.Router.Bind(); err != nil {
		if live {
			return fmt.Errorf("bind reward handlers: %w", err)
		}
		log.Warn("reward handlers unbound, platform unavailable", slog.Any("err", err))
	}
	if live {
		a.Ruler.ForceRefresh(ctx)
		if cat, err := a.d.Platform.ChannelCategory(ctx); err != nil {
			log.Warn("load stream category failed", slog.Any("err", err))
		} else {
			a.setCategory(cat)
			log.Info("stream category loaded", slog.String("category", cat))
		}
	}

	if a.d.KV != nil {
		if v, err := a.d.KV.Get(ctx, oddsKey); err != nil {
			log.Warn("load coin odds failed", slog.Any("err", err))
		} else if p, err := strconv.ParseFloat(v, 64); err == nil {
			log.Info("coin odds restored", slog.Float64("heads", a.Gamble.SetOdds(p)))
		}
	}
	a.ready.Store(true)
	return nil
}

// loadRewards syncs from the platform and mirrors the result, falling back to the
// mirror when the platform is absent or failing. live reports a platform sync.
func (a *App) loadRewards(ctx context.Context) (live bool, err error) {
	log := slog.With(slog.String("component", "bot"))
	if a.d.Platform != nil {
		n, err := a.Catalog.Sync(ctx)
		if err == nil {
			log.Info("reward catalog synced", slog.Int("rewards", n))
			if a.d.Rewards != nil {
				if err := a.d.Rewards.Save(ctx, a.Catalog.All()); err != nil {
					log.Warn("mirror rewards failed", slog.Any("err", err))
				}
			}
			return true, nil
		}
		log.Error("reward catalog sync failed", slog.Any("err", err))
	}
	if a.d.Rewards == nil {
		return false, nil
	}
	rewards, err := a.d.Rewards.List(ctx)
	if err != nil {
		return false, fmt.Errorf("load reward mirror: %w", err)
	}
	for _, rw := range rewards {
		a.Catalog.Upsert(rw)
	}
	log.Info("reward catalog loaded from mirror", slog.Int("rewards", len(rewards)))
	return false, nil
}

// OnMessage is the chat handler.
func (a *App) OnMessage(ctx context.Context, channel string, msg command.Message, user command.Invoker) {
	a.Engine.HandleMessage(ctx, channel, msg, user)
}

// Category returns the last known stream category.
func (a *App) Category() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.category
}

func (a *App) setCategory(c string) {
	a.mu.Lock()
	a.category = c
	a.mu.Unlock()
}

// Ready fails until Start has completed.
func (a *App) Ready(context.Context) error {
	if !a.ready.Load() {
		return errors.New("bot not started")
	}
	return nil
}

// Close stops the timers and credits the current ruler. It is safe to call twice.
func (a *App) Close(ctx context.Context) {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.stopRotation()
	a.mu.Lock()
	if a.adTimer != nil {
		a.adTimer.Stop()
		a.adTimer = nil
	}
	a.mu.Unlock()
	a.Ruler.Close(ctx)
	a.ready.Store(false)
}

// StartRaffle implements server.Admin.
func (a *App) StartRaffle(ctx context.Context) bool { return a.Raffle.Start(ctx) }

func (a *App) EndRaffle(ctx context.Context) (raffle.Result, error) { return a.Raffle.End(ctx) }

func (a *App) CancelRaffle(ctx context.Context) bool { return a.Raffle.Cancel(ctx) }

func (a *App) RefreshRuler(ctx context.Context) { a.Ruler.ForceRefresh(ctx) }

// State implements server.Admin.
func (a *App) State(ctx context.Context) server.State {
	st := server.State{
		Ruler:     a.Ruler.Snapshot(),
		Raffle:    server.RaffleState{Open: a.Raffle.Open(), Entrants: a.Raffle.Entrants()},
		HeadsOdds: a.Gamble.Odds(),
		Users:     a.Users.Len(),
	}
	if pool, err := a.Raffle.Pool(ctx); err == nil {
		st.Raffle.Pool = pool
	} else {
		slog.Warn("read raffle pool failed", slog.Any("err", err), slog.String("component", "bot"))
	}
	if a.d.Overlay != nil {
		st.SoundClients = a.d.Overlay.Clients()
	}
	if a.d.Breaker != nil {
		st.Leaderboard = a.d.Breaker()
	}
	return st
}

// Rewards implements server.Admin: the in-memory catalog, or the mirror before
// the first sync.
func (a *App) Rewards(ctx context.Context) ([]redeem.Reward, error) {
	if a.Catalog.Len() > 0 || a.d.Rewards == nil {
		return a.Catalog.All(), nil
	}
	return a.d.Rewards.List(ctx)
}

func (a *App) saveOdds(ctx context.Context, p float64) {
	if a.d.KV == nil {
		return
	}
	if err := a.d.KV.Set(ctx, oddsKey, strconv.FormatFloat(p, 'f', -1, 64)); err != nil {
		slog.Warn("save coin odds failed", slog.Any("err", err), slog.String("component", "bot"))
	}
}

func (a *App) say(text string) { a.d.Chat.Say(a.cfg.TwitchChannel, text) }

func (a *App) reply(inv command.Invocation, text string) {
	a.d.Chat.Reply(inv.Channel, inv.Message.ID, text)
}

func (a *App) speak(voice, text string) {
	if a.d.Overlay != nil && text != "" {
		a.d.Overlay.Speak(voice, text, 0)
	}
}
