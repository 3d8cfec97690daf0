// Package command defines chat commands and the registry that resolves an incoming
// chat line to at most one of them.
//
// Two kinds exist. Trigger commands are matched by an exact prefixed name token and
// may carry aliases that point at the same instance. Regex commands are matched by
// testing their compiled patterns against the whole message, in registration order.
// Both share the same gating: a global cooldown tracked on the command, a per-user
// cooldown tracked by the caller, a role whitelist and a category whitelist.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stream-copilot/cooldown"
)

// Kind distinguishes trigger commands from regex commands.
type Kind int

const (
	KindTrigger Kind = iota
	KindRegex
)

func (k Kind) String() string {
	if k == KindRegex {
		return "regex"
	}
	return "trigger"
}

// Role is a chat role a command may be restricted to.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleModerator   Role = "moderator"
	RoleVIP         Role = "vip"
	RoleSubscriber  Role = "subscriber"
)

var (
	// ErrNotPermitted is returned by Permit when the invoker fails a whitelist.
	ErrNotPermitted = errors.New("command not permitted")
	// ErrDuplicateName is returned when a trigger name is already registered.
	ErrDuplicateName = errors.New("trigger name already registered")
	// ErrDuplicatePattern is returned when a regex pattern is already registered.
	ErrDuplicatePattern = errors.New("regex pattern already registered")
)

// Invoker is the chat identity that sent a message.
type Invoker struct {
	ID          string
	Login       string
	DisplayName string

	Broadcaster bool
	Moderator   bool
	VIP         bool
	Subscriber  bool
}

// Has reports whether the invoker holds role r.
func (u Invoker) Has(r Role) bool {
	switch r {
	case RoleBroadcaster:
		return u.Broadcaster
	case RoleModerator:
		return u.Moderator
	case RoleVIP:
		return u.VIP
	case RoleSubscriber:
		return u.Subscriber
	}
	return false
}

// Name returns the display name, falling back to the login.
func (u Invoker) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Login
}

// Message is the inbound chat message a command was resolved from.
type Message struct {
	ID   string
	Text string
}

// Invocation carries everything an action needs.
type Invocation struct {
	Channel string
	Args    []string
	Message Message
	User    Invoker
}

// Action is a command body.
type Action func(ctx context.Context, inv Invocation) error

// Options configures a command at registration time.
type Options struct {
	Aliases      []string
	Cooldown     time.Duration
	UserCooldown time.Duration
	// Whitelist is checked in order; the first role the invoker holds admits them.
	Whitelist []Role
	// Categories restricts the command to the listed stream categories.
	Categories []string
	// ReplyOnCooldown makes the dispatcher narrate remaining cooldown time.
	ReplyOnCooldown bool
	// CaseSensitive compiles the root regex pattern without (?i). Alias patterns
	// are always case-insensitive.
	CaseSensitive bool
	// NoFallthrough stops a matched regex command from also running the standard
	// message pipeline.
	NoFallthrough bool
}

// Command is a registered chat command. Aliases resolve to the same *Command so
// usage state is shared.
type Command struct {
	kind     Kind
	name     string
	patterns []string
	matchers []*regexp.Regexp
	action   Action

	cooldown        time.Duration
	userCooldown    time.Duration
	whitelist       []Role
	categories      []string
	replyOnCooldown bool
	fallThrough     bool

	mu            sync.Mutex
	lastTriggered time.Time
}

func newTrigger(name string, action Action, opts Options) *Command {
	return &Command{
		kind:            KindTrigger,
		name:            name,
		action:          action,
		cooldown:        opts.Cooldown,
		userCooldown:    opts.UserCooldown,
		whitelist:       slices.Clone(opts.Whitelist),
		categories:      slices.Clone(opts.Categories),
		replyOnCooldown: opts.ReplyOnCooldown,
	}
}

func newRegex(pattern string, action Action, opts Options) (*Command, error) {
	root := pattern
	if !opts.CaseSensitive {
		root = "(?i)" + pattern
	}
	re, err := regexp.Compile(root)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	c := &Command{
		kind:            KindRegex,
		patterns:        []string{pattern},
		matchers:        []*regexp.Regexp{re},
		action:          action,
		cooldown:        opts.Cooldown,
		userCooldown:    opts.UserCooldown,
		whitelist:       slices.Clone(opts.Whitelist),
		categories:      slices.Clone(opts.Categories),
		replyOnCooldown: opts.ReplyOnCooldown,
		fallThrough:     !opts.NoFallthrough,
	}
	for _, alias := range opts.Aliases {
		are, err := regexp.Compile("(?i)" + alias)
		if err != nil {
			return nil, fmt.Errorf("compile alias %q: %w", alias, err)
		}
		c.patterns = append(c.patterns, alias)
		c.matchers = append(c.matchers, are)
	}
	return c, nil
}

func (c *Command) Kind() Kind { return c.kind }

// Name is the canonical trigger name; empty for regex commands.
func (c *Command) Name() string { return c.name }

// Patterns returns the regex pattern strings, root first.
func (c *Command) Patterns() []string { return slices.Clone(c.patterns) }

// Identity keys per-user cooldown state: the name for triggers, the root pattern for regexes.
func (c *Command) Identity() string {
	if c.kind == KindRegex {
		return c.patterns[0]
	}
	return c.name
}

func (c *Command) Cooldown() time.Duration     { return c.cooldown }
func (c *Command) UserCooldown() time.Duration { return c.userCooldown }
func (c *Command) ReplyOnCooldown() bool       { return c.replyOnCooldown }

// Fallthrough reports whether a regex match should also run the standard message pipeline.
func (c *Command) Fallthrough() bool { return c.kind == KindRegex && c.fallThrough }

// Matches reports whether any pattern matches somewhere in text.
func (c *Command) Matches(text string) bool {
	for _, re := range c.matchers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// LastTriggered returns the last global trigger time (zero if never).
func (c *Command) LastTriggered() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTriggered
}

// Remaining returns the global cooldown left at now.
func (c *Command) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cooldown.Remaining(c.lastTriggered, c.cooldown, now)
}

// MarkTriggered records a global trigger at now.
func (c *Command) MarkTriggered(now time.Time) {
	c.mu.Lock()
	c.lastTriggered = now
	c.mu.Unlock()
}

// Permit applies the bot-self check, the role whitelist and the category whitelist.
func (c *Command) Permit(u Invoker, category, botLogin string) error {
	if botLogin != "" && strings.EqualFold(u.Login, botLogin) {
		return fmt.Errorf("%w: bot account", ErrNotPermitted)
	}
	if len(c.whitelist) > 0 {
		allowed := false
		for _, r := range c.whitelist {
			if u.Has(r) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: role", ErrNotPermitted)
		}
	}
	if len(c.categories) > 0 && (category == "" || !slices.Contains(c.categories, category)) {
		return fmt.Errorf("%w: category %q", ErrNotPermitted, category)
	}
	return nil
}

// Run invokes the action. A panicking action is converted into an error.
func (c *Command) Run(ctx context.Context, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v\n%s", c.Identity(), r, debug.Stack())
		}
	}()
	return c.action(ctx, inv)
}
