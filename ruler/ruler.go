// Package ruler runs the "Ruler of the Redeem" contest: viewers answer an arithmetic
// challenge through a channel-point reward to take the crown, hold it for a random
// countdown, and are credited with their hold time on the leaderboard when it
// changes hands. A pricier steal reward takes the crown without a challenge and
// locks it for a fixed period.
package ruler

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

	"github.com/onnwee/stream-copilot/telemetry"
)

var (
	// ErrNotHolder is returned by Give when the giver does not hold the crown.
	ErrNotHolder = errors.New("only the current ruler can give the crown away")
	// ErrSelfGive is returned by Give when the target already holds the crown.
	ErrSelfGive = errors.New("cannot give the crown to yourself")
)

// Rand is the randomness source; *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Rewards is the subset of the reward registry the contest drives.
type Rewards interface {
	Enable(ctx context.Context, name string, enabled bool) error
	SetPrompt(ctx context.Context, name, prompt string) error
}

// Scores credits hold time on the leaderboard.
type Scores interface {
	Add(ctx context.Context, userID, key string, delta, def int) error
}

// Sayer posts to chat.
type Sayer interface {
	Say(channel, text string)
}

// Holder identifies a crown holder.
type Holder struct {
	ID   string
	Name string
}

// State is the contest state.
type State int

const (
	StateUnclaimed State = iota
	StateClaimed
	StateCountingDown
)

func (s State) String() string {
	switch s {
	case StateClaimed:
		return "claimed"
	case StateCountingDown:
		return "counting_down"
	}
	return "unclaimed"
}

// Config names the rewards and tunes the timers.
type Config struct {
	Channel        string
	ClaimReward    string // "Ruler of the Redeem"
	StealReward    string
	RefreshReward  string
	LeaderboardKey string
	// Countdown after a correct answer is CountdownMin plus up to CountdownJitter.
	CountdownMin    time.Duration
	CountdownJitter time.Duration
	StealHold       time.Duration
}

// DefaultConfig returns the standard reward names and timings.
func DefaultConfig() Config {
	return Config{
		ClaimReward:     "Ruler of the Redeem",
		StealReward:     "GIVE ME THE CROWN RIGHT NOW!!!!!!! >:(((",
		RefreshReward:   "Force Refresh Ruler of the Redeem",
		LeaderboardKey:  "Ruler of the Redeem",
		CountdownMin:    240 * time.Second,
		CountdownJitter: 120 * time.Second,
		StealHold:       45 * time.Minute,
	}
}

// Challenge is an arithmetic question: A Sign B.
type Challenge struct {
	A, B   int
	Sign   string
	Answer int
}

func (c Challenge) String() string { return fmt.Sprintf("%d %s %d", c.A, c.Sign, c.B) }

// Ruler is the contest state machine. All transitions are serialized.
type Ruler struct {
	cfg     Config
	clock   clockwork.Clock
	rng     Rand
	rewards Rewards
	scores  Scores
	chat    Sayer

	mu        sync.Mutex
	holder    *Holder
	since     time.Time
	challenge Challenge
	timer     clockwork.Timer
	gen       uint64 // bumped on every arm/disarm; stale timer callbacks compare against it
}

// New creates the contest and publishes its first challenge.
func New(ctx context.Context, cfg Config, clock clockwork.Clock, rng Rand, rewards Rewards, scores Scores, chat Sayer) *Ruler {
	r := &Ruler{cfg: cfg, clock: clock, rng: rng, rewards: rewards, scores: scores, chat: chat, since: clock.Now()}
	r.mu.Lock()
	r.generateLocked(ctx)
	r.mu.Unlock()
	return r
}

// Attempt checks answer against the current challenge. On success the challenger
// takes the crown, claim and force-refresh are disabled, steal is enabled and a
// randomized countdown is armed.
func (r *Ruler) Attempt(ctx context.Context, challenger Holder, answer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !looseEqual(answer, r.challenge.Answer) {
		msg := fmt.Sprintf("@%s Incorrect!", challenger.Name)
		if r.holder != nil {
			msg += fmt.Sprintf(" %s remains Ruler of the Redeem.", r.holder.Name)
		}
		r.say(msg)
		return false
	}

	r.say(fmt.Sprintf("@%s Correct! You are now the Ruler of the Redeem!", challenger.Name))
	r.swapLocked(ctx, challenger)
	telemetry.RulerHandoff("claim")
	r.enable(ctx, r.cfg.ClaimReward, false)
	r.enable(ctx, r.cfg.StealReward, true)
	r.enable(ctx, r.cfg.RefreshReward, false)
	r.publishPromptLocked(ctx)

	d := r.cfg.CountdownMin + time.Duration(r.rng.Float64()*float64(r.cfg.CountdownJitter))
	r.armLocked(d)
	return true
}

// CountdownExpire re-challenges and makes the crown contestable again. The holder
// keeps the crown until someone claims it.
func (r *Ruler) CountdownExpire(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reopenLocked(ctx)
}

// ForceRefresh has the same effect as the countdown expiring, on demand.
func (r *Ruler) ForceRefresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reopenLocked(ctx)
}

// Steal hands the crown to thief without a challenge and locks every contest
// reward for the steal hold period.
func (r *Ruler) Steal(ctx context.Context, thief Holder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disarmLocked()
	r.enable(ctx, r.cfg.StealReward, false)
	r.enable(ctx, r.cfg.RefreshReward, false)
	r.enable(ctx, r.cfg.ClaimReward, false)
	r.swapLocked(ctx, thief)
	telemetry.RulerHandoff("steal")
	r.publishPromptLocked(ctx)
	r.say(fmt.Sprintf("@%s became so power hungry they used their wealth to steal the crown for %s! Goodness me...",
		thief.Name, humanMinutes(r.cfg.StealHold)))
	r.armLocked(r.cfg.StealHold)
}

// Give passes the crown from its current holder to target directly. The giver is
// credited for the time held and the target's clock starts at the hand-off.
func (r *Ruler) Give(ctx context.Context, giverID string, target Holder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil || r.holder.ID != giverID {
		return ErrNotHolder
	}
	if target.ID == giverID {
		return ErrSelfGive
	}
	from := r.holder.Name
	r.swapLocked(ctx, target)
	telemetry.RulerHandoff("give")
	r.publishPromptLocked(ctx)
	r.say(fmt.Sprintf("%s handed the crown to @%s!", from, target.Name))
	return nil
}

// Close disarms the countdown and awards the current holder's time.
func (r *Ruler) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
	r.awardLocked(ctx)
	r.since = r.clock.Now()
}

// Holder returns the current crown holder.
func (r *Ruler) Holder() (Holder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil {
		return Holder{}, false
	}
	return *r.holder, true
}

// Challenge returns the current unanswered challenge.
func (r *Ruler) Challenge() Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.challenge
}

// Snapshot describes the contest for admin views.
type Snapshot struct {
	State     string  `json:"state"`
	Holder    *Holder `json:"holder,omitempty"`
	HeldFor   int     `json:"held_seconds"`
	Challenge string  `json:"challenge"`
}

func (r *Ruler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{State: r.stateLocked().String(), Challenge: r.challenge.String()}
	if r.holder != nil {
		h := *r.holder
		s.Holder = &h
		s.HeldFor = r.heldLocked()
	}
	return s
}

func (r *Ruler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Ruler) stateLocked() State {
	switch {
	case r.holder == nil:
		return StateUnclaimed
	case r.timer != nil:
		return StateCountingDown
	}
	return StateClaimed
}

func (r *Ruler) reopenLocked(ctx context.Context) {
	r.disarmLocked()
	r.generateLocked(ctx)
	r.enable(ctx, r.cfg.StealReward, true)
	r.enable(ctx, r.cfg.ClaimReward, true)
	r.enable(ctx, r.cfg.RefreshReward, false)
}

func (r *Ruler) generateLocked(ctx context.Context) {
	c := Challenge{A: r.rng.IntN(100), B: r.rng.IntN(100), Sign: "-"}
	if r.rng.IntN(2) == 1 {
		c.Sign = "+"
	}
	c.Answer = c.A - c.B
	if c.Sign == "+" {
		c.Answer = c.A + c.B
	}
	r.challenge = c
	slog.Debug("new challenge", slog.String("challenge", c.String()), slog.Int("answer", c.Answer), slog.String("component", "ruler"))
	r.publishPromptLocked(ctx)
}

func (r *Ruler) publishPromptLocked(ctx context.Context) {
	prompt := fmt.Sprintf("What is %s?", r.challenge)
	if r.holder != nil {
		prompt += fmt.Sprintf(" (Current ruler: %s)", r.holder.Name)
	}
	if err := r.rewards.SetPrompt(ctx, r.cfg.ClaimReward, prompt); err != nil {
		slog.Warn("update ruler prompt failed", slog.Any("err", err), slog.String("component", "ruler"))
	}
}

func (r *Ruler) swapLocked(ctx context.Context, next Holder) {
	r.awardLocked(ctx)
	r.since = r.clock.Now()
	r.holder = &next
}

// awardLocked credits the holder with whole seconds held. No holder is a no-op.
func (r *Ruler) awardLocked(ctx context.Context) {
	if r.holder == nil {
		slog.Warn("could not award time, no ruler", slog.String("component", "ruler"))
		return
	}
	secs := r.heldLocked()
	if err := r.scores.Add(ctx, r.holder.ID, r.cfg.LeaderboardKey, secs, 0); err != nil {
		slog.Error("award ruler time failed", slog.String("user_id", r.holder.ID), slog.Int("seconds", secs), slog.Any("err", err), slog.String("component", "ruler"))
	}
}

func (r *Ruler) heldLocked() int {
	return int(math.Floor(r.clock.Since(r.since).Seconds()))
}

func (r *Ruler) armLocked(d time.Duration) {
	r.disarmLocked()
	gen := r.gen
	slog.Info("ruler countdown armed", slog.Duration("in", d), slog.String("component", "ruler"))
	r.timer = r.clock.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen != gen {
			return
		}
		r.reopenLocked(ctx)
	})
}

func (r *Ruler) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Ruler) enable(ctx context.Context, name string, on bool) {
	if err := r.rewards.Enable(ctx, name, on); err != nil {
		slog.Warn("toggle ruler reward failed", slog.String("reward", name), slog.Bool("enabled", on), slog.Any("err", err), slog.String("component", "ruler"))
	}
}

func (r *Ruler) say(text string) {
	if r.chat != nil {
		r.chat.Say(r.cfg.Channel, text)
	}
}

// looseEqual compares user input numerically, ignoring surrounding whitespace.
func looseEqual(input string, answer int) bool {
	s := strings.TrimSpace(input)
	if s == "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	return f == float64(answer)
}

func humanMinutes(d time.Duration) string {
	m := int(d.Minutes())
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
