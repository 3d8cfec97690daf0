package command

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry holds trigger and regex commands. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	triggers map[string]*Command
	regexes  []*Command
}

func NewRegistry() *Registry {
	return &Registry{triggers: make(map[string]*Command)}
}

// RegisterTrigger adds a named command and its aliases. It returns ErrDuplicateName
// and leaves the registry untouched if name is taken. Aliases that collide with an
// existing key are skipped.
func (r *Registry) RegisterTrigger(name string, action Action, opts Options) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	cmd := newTrigger(key, action, opts)
	r.triggers[key] = cmd
	for _, alias := range opts.Aliases {
		ak := strings.ToLower(alias)
		if _, ok := r.triggers[ak]; ok {
			continue
		}
		r.triggers[ak] = cmd
	}
	return nil
}

// RegisterRegex adds a pattern command. It returns ErrDuplicatePattern if pattern is
// already one of the patterns of a registered regex command.
func (r *Registry) RegisterRegex(pattern string, action Action, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.regexes {
		if slices.Contains(c.patterns, pattern) {
			return fmt.Errorf("%w: %s", ErrDuplicatePattern, pattern)
		}
	}
	cmd, err := newRegex(pattern, action, opts)
	if err != nil {
		return err
	}
	r.regexes = append(r.regexes, cmd)
	return nil
}

// ByName resolves a trigger name or alias. Lookup is case-insensitive.
func (r *Registry) ByName(name string) (*Command, bool) {
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.triggers[strings.ToLower(name)]
	return c, ok
}

// MatchText returns the first regex command, in registration order, with a pattern
// matching anywhere in text.
func (r *Registry) MatchText(text string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.regexes {
		if c.Matches(text) {
			return c, true
		}
	}
	return nil, false
}

// Counts summarizes the registry for introspection.
type Counts struct {
	Triggers       int // names plus aliases
	UniqueTriggers int
	Patterns       int // root plus alias patterns
	UniqueRegexes  int
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Counts{Triggers: len(r.triggers), UniqueRegexes: len(r.regexes)}
	seen := make(map[*Command]struct{}, len(r.triggers))
	for _, c := range r.triggers {
		seen[c] = struct{}{}
	}
	out.UniqueTriggers = len(seen)
	for _, c := range r.regexes {
		out.Patterns += len(c.patterns)
	}
	return out
}
