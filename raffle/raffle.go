// Package raffle runs the Gamba Credit raffle. A start tops up a persisted pool by
// a random amount, viewers join while it is open, and the end pays the pool to one
// entrant chosen uniformly at random.
package raffle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-copilot/telemetry"
)

// Rand is the randomness source; *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Counters persists named integer counters. Get reports 0 for a missing key.
type Counters interface {
	Get(ctx context.Context, key string) (int, error)
	Set(ctx context.Context, key string, value int) error
	Increment(ctx context.Context, key string, delta int) (int, error)
}

// Scores pays out to the leaderboard.
type Scores interface {
	Add(ctx context.Context, userID, key string, delta, def int) error
}

// Sayer posts to chat.
type Sayer interface {
	Say(channel, text string)
}

// Cues plays overlay sounds.
type Cues interface {
	Play(name string, volume float64)
}

// Entrant is a joined viewer.
type Entrant struct {
	ID          string
	DisplayName string
}

// Config tunes the raffle.
type Config struct {
	Channel    string
	PoolKey    string // counter holding the pool
	CreditsKey string // leaderboard key paid out
}

func DefaultConfig() Config {
	return Config{PoolKey: "RaffleCredits", CreditsKey: "Gamba Credits"}
}

// Result describes how an End call resolved.
type Result struct {
	Entrants int
	Winner   *Entrant
	Paid     int
}

// Raffle is safe for concurrent use. Start, End and Cancel are serialized; Join
// may run at any time.
type Raffle struct {
	cfg      Config
	clock    clockwork.Clock
	rng      Rand
	counters Counters
	scores   Scores
	chat     Sayer
	cues     Cues

	op sync.Mutex

	mu      sync.Mutex
	open    bool
	entries map[string]Entrant
	order   []string
}

func New(cfg Config, clock clockwork.Clock, rng Rand, counters Counters, scores Scores, chat Sayer, cues Cues) *Raffle {
	return &Raffle{cfg: cfg, clock: clock, rng: rng, counters: counters, scores: scores, chat: chat, cues: cues}
}

// Increment is the random top-up added to the pool on every start. It is skewed
// so most draws land between 150 and roughly 1800.
func Increment(rng Rand) int {
	return int(math.Floor(math.Pow(rng.Float64()*10, 3.67)/5)) + 150
}

// Open reports whether entries are being accepted.
func (r *Raffle) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Entrants returns the number of joined viewers.
func (r *Raffle) Entrants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Pool returns the current pool total.
func (r *Raffle) Pool(ctx context.Context) (int, error) {
	return r.counters.Get(ctx, r.cfg.PoolKey)
}

// Start opens the raffle and tops up the pool. It reports false if the raffle was
// already open.
func (r *Raffle) Start(ctx context.Context) bool {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return false
	}
	r.open = true
	r.entries = make(map[string]Entrant)
	r.order = nil
	r.mu.Unlock()
	telemetry.SetRaffleOpen(true)

	inc := Increment(r.rng)
	total, err := r.counters.Increment(ctx, r.cfg.PoolKey, inc)
	if err != nil {
		slog.Error("raffle pool increment failed", slog.Int("delta", inc), slog.Any("err", err), slog.String("component", "raffle"))
	}
	slog.Info("raffle started", slog.Int("added", inc), slog.Int("pool", total), slog.String("component", "raffle"))
	r.say(fmt.Sprintf(`TWISTED Raffle time! TWISTED Send "!rafjoin" in chat to enter a raffle for %d Gamba Credits! catChat`, total))
	return true
}

// Join enters e. It reports false if the raffle is closed or e already joined.
func (r *Raffle) Join(e Entrant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return false
	}
	if _, ok := r.entries[e.ID]; ok {
		return false
	}
	r.entries[e.ID] = e
	r.order = append(r.order, e.ID)
	return true
}

// End closes the raffle and pays out. With no entrants the pool rolls over to the
// next raffle; a lone entrant gets double.
func (r *Raffle) End(ctx context.Context) (Result, error) {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return Result{}, nil
	}
	r.open = false
	entrants := make([]Entrant, 0, len(r.order))
	for _, id := range r.order {
		entrants = append(entrants, r.entries[id])
	}
	r.entries, r.order = nil, nil
	r.mu.Unlock()
	telemetry.SetRaffleOpen(false)

	res := Result{Entrants: len(entrants)}
	amount, err := r.counters.Get(ctx, r.cfg.PoolKey)
	if err != nil {
		return res, fmt.Errorf("read raffle pool: %w", err)
	}

	if len(entrants) == 0 {
		r.say("Aw! No one joined the raffle. We'll just throw these credits into the next one... Sadge")
		return res, nil
	}

	if err := r.counters.Set(ctx, r.cfg.PoolKey, 0); err != nil {
		slog.Error("raffle pool reset failed", slog.Any("err", err), slog.String("component", "raffle"))
	}

	if len(entrants) == 1 {
		w := entrants[0]
		res.Winner, res.Paid = &w, amount*2
		if err := r.pay(ctx, w, res.Paid); err != nil {
			return res, err
		}
		r.say(fmt.Sprintf("There was only one entrant? That's no fun! Have double the credits @%s, go nuts, who cares. WHATASHAME", w.DisplayName))
		r.applause()
		return res, nil
	}

	w := entrants[r.rng.IntN(len(entrants))]
	res.Winner, res.Paid = &w, amount

	r.say(fmt.Sprintf("Alright, time to draw the raffle winner out of %d entrants... jermaYou", len(entrants)))
	r.pause(ctx, 6000+r.rng.Float64()*1500)
	r.say(fmt.Sprintf("And the winner of %d Gamba Credits is... PauseChamp", amount))
	r.pause(ctx, 3500+r.rng.Float64()*2500)

	// Payout survives a cancelled context; the pool is already reset.
	if err := r.pay(context.WithoutCancel(ctx), w, amount); err != nil {
		return res, err
	}
	r.say(fmt.Sprintf("... @%s! PogChamp Congrats! Clap Clap Clap", w.DisplayName))
	r.applause()
	return res, nil
}

// Cancel closes the raffle without paying out or touching the pool.
func (r *Raffle) Cancel(ctx context.Context) bool {
	r.op.Lock()
	defer r.op.Unlock()

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return false
	}
	r.open = false
	r.entries, r.order = nil, nil
	r.mu.Unlock()
	telemetry.SetRaffleOpen(false)

	r.say("The Gamba Credit raffle was cancelled.")
	return true
}

// AddCredits adds the floor of n to the pool and announces the total.
func (r *Raffle) AddCredits(ctx context.Context, n float64) (int, error) {
	total, err := r.counters.Increment(ctx, r.cfg.PoolKey, int(math.Floor(n)))
	if err != nil {
		return 0, fmt.Errorf("add raffle credits: %w", err)
	}
	r.announcePool(total)
	return total, nil
}

// SetCredits sets the pool to the floor of n and announces it.
func (r *Raffle) SetCredits(ctx context.Context, n float64) (int, error) {
	v := int(math.Floor(n))
	if err := r.counters.Set(ctx, r.cfg.PoolKey, v); err != nil {
		return 0, fmt.Errorf("set raffle credits: %w", err)
	}
	r.announcePool(v)
	return v, nil
}

func (r *Raffle) announcePool(total int) {
	r.say(fmt.Sprintf("The Gamba Credit raffle is now at %d credits.", total))
}

func (r *Raffle) pay(ctx context.Context, w Entrant, amount int) error {
	if err := r.scores.Add(ctx, w.ID, r.cfg.CreditsKey, amount, 0); err != nil {
		slog.Error("raffle payout failed", slog.String("user_id", w.ID), slog.Int("amount", amount), slog.Any("err", err), slog.String("component", "raffle"))
		return fmt.Errorf("pay raffle winner %s: %w", w.ID, err)
	}
	telemetry.RafflePaid(amount)
	slog.Info("raffle paid", slog.String("user_id", w.ID), slog.Int("amount", amount), slog.String("component", "raffle"))
	return nil
}

// pause waits ms milliseconds on the clock, returning early if ctx ends.
func (r *Raffle) pause(ctx context.Context, ms float64) {
	select {
	case <-r.clock.After(time.Duration(ms * float64(time.Millisecond))):
	case <-ctx.Done():
	}
}

func (r *Raffle) applause() {
	if r.cues != nil {
		r.cues.Play("applause", 0.6)
	}
}

func (r *Raffle) say(text string) {
	if r.chat != nil {
		r.chat.Say(r.cfg.Channel, text)
	}
}
