// Package users tracks chat users seen during this process: per-command cooldown
// timestamps and a small persisted preference map (for example a preferred TTS voice).
package users

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/onnwee/stream-copilot/cooldown"
)

// PrefStore persists user preferences. db.Prefs implements it.
type PrefStore interface {
	LoadPrefs(ctx context.Context, userID string) (map[string]string, error)
	SavePref(ctx context.Context, userID, key, value string) error
}

// User is the process-lifetime record for one platform user id.
type User struct {
	ID string

	mu       sync.Mutex
	lastUsed map[string]time.Time
	prefs    map[string]string
	seen     bool
	store    PrefStore
}

// CooldownRemaining returns how long until the user may use the command keyed by
// identity again.
func (u *User) CooldownRemaining(identity string, window time.Duration, now time.Time) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return cooldown.Remaining(u.lastUsed[identity], window, now)
}

// MarkUsed records that the user triggered the command keyed by identity at now.
func (u *User) MarkUsed(identity string, now time.Time) {
	u.mu.Lock()
	u.lastUsed[identity] = now
	u.mu.Unlock()
}

// FirstMessage returns true exactly once per process lifetime.
func (u *User) FirstMessage() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen {
		return false
	}
	u.seen = true
	return true
}

func (u *User) Pref(key string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.prefs[key]
	return v, ok
}

// Prefs returns a copy of all preferences.
func (u *User) Prefs() map[string]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.prefs)
}

// SetPref updates a preference and saves it.
func (u *User) SetPref(ctx context.Context, key, value string) error {
	u.mu.Lock()
	u.prefs[key] = value
	u.mu.Unlock()
	if u.store == nil {
		return nil
	}
	if err := u.store.SavePref(ctx, u.ID, key, value); err != nil {
		return fmt.Errorf("save pref %s for %s: %w", key, u.ID, err)
	}
	return nil
}

// List lazily creates users on first lookup.
type List struct {
	mu    sync.Mutex
	users map[string]*User
	store PrefStore
}

// NewList returns an empty list. store may be nil to disable persistence.
func NewList(store PrefStore) *List {
	return &List{users: make(map[string]*User), store: store}
}

// Get returns the user for id, creating it and loading persisted prefs on first use.
// A failed load is logged and the user starts with no prefs.
func (l *List) Get(ctx context.Context, id string) *User {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.users[id]; ok {
		return u
	}
	u := &User{ID: id, lastUsed: make(map[string]time.Time), prefs: make(map[string]string), store: l.store}
	if l.store != nil {
		prefs, err := l.store.LoadPrefs(ctx, id)
		if err != nil {
			slog.Warn("load user prefs failed", slog.String("user_id", id), slog.Any("err", err), slog.String("component", "users"))
		}
		for k, v := range prefs {
			u.prefs[k] = v
		}
	}
	l.users[id] = u
	return u
}

// Len returns the number of users seen this process.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
