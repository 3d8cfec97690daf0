// Package gamble implements the coin-flip redeem. Viewers wager leaderboard credits
// on heads or tails; the coin is biased by odds that drift away from each outcome.
package gamble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-copilot/leaderboard"
	"github.com/onnwee/stream-copilot/telemetry"
)

var (
	ErrInvalidWager = errors.New("invalid wager")
	ErrNotPositive  = fmt.Errorf("%w: must be more than zero", ErrInvalidWager)
	ErrOverBalance  = fmt.Errorf("%w: more than balance", ErrInvalidWager)
	ErrUnderMinimum = fmt.Errorf("%w: below minimum", ErrInvalidWager)
)

// Rand is the randomness source; *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Balances reads and adjusts leaderboard credits.
type Balances interface {
	Value(ctx context.Context, userID, key string) (int, error)
	Add(ctx context.Context, userID, key string, delta, def int) error
}

type Sayer interface {
	Say(channel, text string)
}

type Cues interface {
	Play(name string, volume float64)
}

// Side is a coin face.
type Side int

const (
	Heads Side = iota
	Tails
)

func (s Side) String() string {
	if s == Tails {
		return "tails"
	}
	return "heads"
}

// Player is the viewer making the wager.
type Player struct {
	ID   string
	Name string
}

// Config tunes the game.
type Config struct {
	Channel    string
	CreditsKey string
	MinFrac    float64 // minimum wager as a fraction of balance, floored
	DelayMin   time.Duration
	DelayMax   time.Duration
	OddsFloor  float64
	OddsCeil   float64
	DriftMin   float64
	DriftMax   float64
}

func DefaultConfig() Config {
	return Config{
		CreditsKey: "Gamba Credits",
		MinFrac:    0.005,
		DelayMin:   5 * time.Second,
		DelayMax:   12 * time.Second,
		OddsFloor:  0.15,
		OddsCeil:   0.85,
		DriftMin:   0.02,
		DriftMax:   0.06,
	}
}

// Round is a resolved flip.
type Round struct {
	Wager  int
	Called Side
	Actual Side
	Won    bool
	// Balance after payout.
	Balance int
	// OddsAfter is the heads probability for the next round.
	OddsAfter float64
}

// Gamble owns the drifting heads odds.
type Gamble struct {
	cfg   Config
	clock clockwork.Clock
	rng   Rand
	bal   Balances
	chat  Sayer
	cues  Cues

	mu   sync.Mutex
	odds float64
}

func New(cfg Config, clock clockwork.Clock, rng Rand, bal Balances, chat Sayer, cues Cues) *Gamble {
	telemetry.SetHeadsOdds(0.5)
	return &Gamble{cfg: cfg, clock: clock, rng: rng, bal: bal, chat: chat, cues: cues, odds: 0.5}
}

// Odds returns the current probability of heads.
func (g *Gamble) Odds() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.odds
}

// SetOdds restores a heads probability, clamped to the configured bounds.
func (g *Gamble) SetOdds(p float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.odds = math.Min(g.cfg.OddsCeil, math.Max(g.cfg.OddsFloor, p))
	telemetry.SetHeadsOdds(g.odds)
	return g.odds
}

// ParseWager reads a wager token, ignoring thousands separators and any
// fractional part.
func ParseWager(tok string) (int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(tok), ",", "")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidWager, tok)
	}
	return n, nil
}

// Validate checks a wager against the player's balance and returns the balance.
func (g *Gamble) Validate(ctx context.Context, p Player, wager int) (int, error) {
	if wager <= 0 {
		return 0, ErrNotPositive
	}
	balance, err := g.bal.Value(ctx, p.ID, g.cfg.CreditsKey)
	if errors.Is(err, leaderboard.ErrNotFound) {
		balance, err = 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetch balance for %s: %w", p.ID, err)
	}
	if wager > balance {
		return balance, ErrOverBalance
	}
	if least := int(math.Floor(float64(balance) * g.cfg.MinFrac)); wager < least {
		return balance, fmt.Errorf("%w: at least %d", ErrUnderMinimum, least)
	}
	return balance, nil
}

// Play runs one round for input "<wager> [h|t]". A validation failure is
// announced and returned so the caller can refund the redemption. On success
// fulfill is called before the coin is flipped.
func (g *Gamble) Play(ctx context.Context, p Player, input string, fulfill func(context.Context) error) (Round, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "gamble"), slog.String("user", p.Name))
	fields := strings.Fields(input)
	if len(fields) == 0 {
		g.say(fmt.Sprintf("⚠️ @%s You need to say how many credits to wager!", p.Name))
		return Round{}, fmt.Errorf("%w: empty", ErrInvalidWager)
	}

	wager, err := ParseWager(fields[0])
	if err != nil {
		g.say(fmt.Sprintf("⚠️ @%s That's not a number!", p.Name))
		return Round{}, err
	}
	balance, err := g.Validate(ctx, p, wager)
	switch {
	case errors.Is(err, ErrNotPositive):
		g.say(fmt.Sprintf("⚠️ @%s You have to wager more than 0 credits!", p.Name))
		return Round{}, err
	case errors.Is(err, ErrOverBalance):
		g.say(fmt.Sprintf("⚠️ @%s You only have %d credits!", p.Name, balance))
		return Round{}, err
	case errors.Is(err, ErrUnderMinimum):
		g.say(fmt.Sprintf("⚠️ @%s You have to wager at least %d credits!", p.Name, int(math.Floor(float64(balance)*g.cfg.MinFrac))))
		return Round{}, err
	case err != nil:
		log.Error("balance lookup failed", slog.Any("err", err))
		g.say(fmt.Sprintf("⚠️ @%s Couldn't check your credits, try again later.", p.Name))
		return Round{}, err
	}

	if fulfill != nil {
		if err := fulfill(ctx); err != nil {
			log.Warn("fulfill coin flip failed", slog.Any("err", err))
		}
	}
	g.play("coin_insert", 0.8)

	called := Side(g.rng.IntN(2))
	if len(fields) > 1 {
		switch strings.ToLower(fields[1])[0] {
		case 'h':
			called = Heads
		case 't':
			called = Tails
		}
	}
	g.say(fmt.Sprintf("@%s flips a coin for %d credits and calls %s... monkaS", p.Name, wager, called))

	span := g.cfg.DelayMax - g.cfg.DelayMin
	select {
	case <-g.clock.After(g.cfg.DelayMin + time.Duration(g.rng.Float64()*float64(span))):
	case <-ctx.Done():
		// Already fulfilled; settle now.
	}
	ctx = context.WithoutCancel(ctx)

	actual, oddsAfter := g.resolve()
	r := Round{Wager: wager, Called: called, Actual: actual, Won: called == actual, OddsAfter: oddsAfter}
	delta := -wager
	if r.Won {
		delta = wager
	}
	r.Balance = balance + delta
	if err := g.bal.Add(ctx, p.ID, g.cfg.CreditsKey, delta, 0); err != nil {
		log.Error("coin flip payout failed", slog.Int("delta", delta), slog.Any("err", err))
		return r, fmt.Errorf("settle coin flip for %s: %w", p.ID, err)
	}

	if r.Won {
		telemetry.GambleResolved("win", oddsAfter)
		g.say(fmt.Sprintf("It's %s! @%s won %d credits and now has %d! PogChamp", actual, p.Name, wager, r.Balance))
		g.play("gamble_win", 0.7)
	} else {
		telemetry.GambleResolved("lose", oddsAfter)
		g.say(fmt.Sprintf("It's %s... @%s lost %d credits and now has %d. Sadge", actual, p.Name, wager, r.Balance))
		g.play("gamble_lose", 0.7)
	}
	log.Info("coin flip resolved", slog.Int("wager", wager), slog.String("called", called.String()),
		slog.String("actual", actual.String()), slog.Float64("odds_after", oddsAfter))
	return r, nil
}

// resolve flips the biased coin and drifts the odds away from the result.
func (g *Gamble) resolve() (Side, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	actual := Heads
	if g.rng.Float64() >= g.odds {
		actual = Tails
	}
	step := g.cfg.DriftMin + g.rng.Float64()*(g.cfg.DriftMax-g.cfg.DriftMin)
	if actual == Heads {
		g.odds -= step
	} else {
		g.odds += step
	}
	g.odds = math.Min(g.cfg.OddsCeil, math.Max(g.cfg.OddsFloor, g.odds))
	return actual, g.odds
}

func (g *Gamble) play(name string, vol float64) {
	if g.cues != nil {
		g.cues.Play(name, vol)
	}
}

func (g *Gamble) say(text string) {
	if g.chat != nil {
		g.chat.Say(g.cfg.Channel, text)
	}
}
