// Package redeem mirrors the channel-point reward catalog locally and routes
// redemptions to handlers keyed by reward id.
//
// The mini-games flip rewards on and off (claim, steal, refresh) far more often than
// the catalog changes, so every setter compares against the mirror first and only
// calls the platform API when the value actually changes.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrRedeemNotFound is returned when a reward name or id is not in the mirror.
var ErrRedeemNotFound = errors.New("redeem not found")

// Reward is the local mirror of one custom channel-point reward.
type Reward struct {
	ID                  string
	Title               string
	Prompt              string
	Cost                int
	Enabled             bool
	Paused              bool
	UserInputRequired   bool
	AutoFulfill         bool // redemptions skip the request queue
	CooldownSeconds     int
	MaxPerStream        int // 0 = unlimited
	MaxPerUserPerStream int // 0 = unlimited
}

// RewardAPI is the platform side of the catalog. Updates send the complete reward so
// that fields not being changed keep their mirrored values.
type RewardAPI interface {
	ListRewards(ctx context.Context) ([]Reward, error)
	UpdateReward(ctx context.Context, r Reward) error
}

// Registry is the in-memory reward catalog. It is safe for concurrent use.
type Registry struct {
	api RewardAPI
	// upd serializes read-modify-push cycles so concurrent setters on one reward
	// do not overwrite each other.
	upd sync.Mutex

	mu      sync.RWMutex
	byID    map[string]*Reward
	ordered []string // insertion order of ids, used for name lookups
}

func NewRegistry(api RewardAPI) *Registry {
	return &Registry{api: api, byID: make(map[string]*Reward)}
}

// Sync upserts every reward the platform reports and returns how many it saw.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	if r.api == nil {
		return 0, errors.New("list rewards: no platform api")
	}
	rewards, err := r.api.ListRewards(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rewards: %w", err)
	}
	for _, rw := range rewards {
		r.Upsert(rw)
	}
	return len(rewards), nil
}

// Upsert adds a reward or overwrites the mirrored copy in place.
func (r *Registry) Upsert(rw Reward) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[rw.ID]; ok {
		*cur = rw
		return
	}
	cp := rw
	r.byID[rw.ID] = &cp
	r.ordered = append(r.ordered, rw.ID)
}

func (r *Registry) ByID(id string) (Reward, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rw, ok := r.byID[id]
	if !ok {
		return Reward{}, false
	}
	return *rw, true
}

// ByName returns the first reward, in insertion order, whose title is name.
func (r *Registry) ByName(name string) (Reward, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rw := r.byNameLocked(name)
	if rw == nil {
		return Reward{}, fmt.Errorf("%w: %q", ErrRedeemNotFound, name)
	}
	return *rw, nil
}

func (r *Registry) byNameLocked(name string) *Reward {
	for _, id := range r.ordered {
		if rw := r.byID[id]; rw.Title == name {
			return rw
		}
	}
	return nil
}

// All returns a snapshot sorted by title.
func (r *Registry) All() []Reward {
	r.mu.RLock()
	out := make([]Reward, 0, len(r.byID))
	for _, rw := range r.byID {
		out = append(out, *rw)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Enable sets the enabled flag of the named reward.
func (r *Registry) Enable(ctx context.Context, name string, enabled bool) error {
	return r.update(ctx, name, "enabled", func(rw *Reward) bool {
		if rw.Enabled == enabled {
			return false
		}
		rw.Enabled = enabled
		return true
	})
}

// SetCooldown sets the global cooldown (seconds, 0 disables) of the named reward.
func (r *Registry) SetCooldown(ctx context.Context, name string, seconds int) error {
	return r.update(ctx, name, "cooldown", func(rw *Reward) bool {
		if rw.CooldownSeconds == seconds {
			return false
		}
		rw.CooldownSeconds = seconds
		return true
	})
}

// SetPaused pauses or resumes the named reward.
func (r *Registry) SetPaused(ctx context.Context, name string, paused bool) error {
	return r.update(ctx, name, "paused", func(rw *Reward) bool {
		if rw.Paused == paused {
			return false
		}
		rw.Paused = paused
		return true
	})
}

// SetPrompt replaces the prompt text of the named reward.
func (r *Registry) SetPrompt(ctx context.Context, name, prompt string) error {
	return r.update(ctx, name, "prompt", func(rw *Reward) bool {
		if rw.Prompt == prompt {
			return false
		}
		rw.Prompt = prompt
		return true
	})
}

// update applies mutate to a copy; when it reports a change the copy is pushed to
// the platform and stored on success.
func (r *Registry) update(ctx context.Context, name, field string, mutate func(*Reward) bool) error {
	r.upd.Lock()
	defer r.upd.Unlock()
	r.mu.RLock()
	cur := r.byNameLocked(name)
	if cur == nil {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %q", ErrRedeemNotFound, name)
	}
	next := *cur
	r.mu.RUnlock()

	if !mutate(&next) {
		return nil
	}
	// without an api the mirror is updated locally only
	if r.api != nil {
		if err := r.api.UpdateReward(ctx, next); err != nil {
			return fmt.Errorf("update reward %q %s: %w", name, field, err)
		}
	}
	r.Upsert(next)
	slog.Debug("reward updated", slog.String("reward", name), slog.String("field", field), slog.String("component", "redeem"))
	return nil
}
