// Package dispatch turns an inbound chat line into at most one command invocation.
//
// Resolution order: a prefixed name token, then a recognised shortcut link, then the
// ordered regex commands. A resolved command runs only when both the per-user and
// the global cooldown allow it. Both timestamps are committed before the action
// runs, so a slow or failing action still consumes its window.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-copilot/command"
	"github.com/onnwee/stream-copilot/cooldown"
	"github.com/onnwee/stream-copilot/telemetry"
	"github.com/onnwee/stream-copilot/users"
)

// Replier posts a threaded reply to a chat message.
type Replier interface {
	Reply(channel, parentID, text string)
}

// Pipeline handles messages that are not (only) commands.
type Pipeline interface {
	// FirstSeen runs once per user per process, before command resolution.
	FirstSeen(ctx context.Context, channel string, user command.Invoker)
	// Standard runs for non-command messages and for fallthrough regex matches.
	Standard(ctx context.Context, channel string, msg command.Message, user command.Invoker)
}

// Shortcut rewrites a bare link into a command call. The first capture group of
// Pattern becomes the first argument.
type Shortcut struct {
	Pattern *regexp.Regexp
	Command string
}

// Outcome reports what HandleMessage did.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeStandard
	OutcomeInvoked
	OutcomeUserCooldown
	OutcomeGlobalCooldown
	OutcomeNotPermitted
)

var outcomeNames = [...]string{"ignored", "standard", "invoked", "user_cooldown", "global_cooldown", "not_permitted"}

func (o Outcome) String() string { return outcomeNames[o] }

// Engine is the message entry point consumed by the chat transport.
type Engine struct {
	Registry *command.Registry
	Users    *users.List
	Chat     Replier
	Pipeline Pipeline // optional
	// Category returns the current stream category; optional.
	Category  func() string
	Clock     clockwork.Clock
	Prefix    string
	BotLogin  string
	Shortcuts []Shortcut

	// gate makes the check-then-mark of both cooldowns atomic across goroutines.
	gate sync.Mutex
}

// HandleMessage resolves and runs the command for text, if any.
func (e *Engine) HandleMessage(ctx context.Context, channel string, msg command.Message, user command.Invoker) Outcome {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return OutcomeIgnored
	}
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "HandleMessage", attribute.String("user", user.Login))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatch"))

	u := e.Users.Get(ctx, user.ID)
	if e.Pipeline != nil && u.FirstMessage() {
		e.Pipeline.FirstSeen(ctx, channel, user)
	}

	name, args := e.parse(text)
	cmd, ok := e.Registry.ByName(name)
	if !ok {
		cmd, ok = e.Registry.MatchText(text)
	}
	if !ok {
		if e.Pipeline != nil {
			e.Pipeline.Standard(ctx, channel, msg, user)
		}
		return OutcomeStandard
	}

	out := e.invoke(ctx, log, cmd, u, command.Invocation{Channel: channel, Args: args, Message: msg, User: user})
	span.SetAttributes(attribute.String("command", cmd.Identity()), attribute.String("outcome", out.String()))

	if cmd.Fallthrough() && e.Pipeline != nil {
		e.Pipeline.Standard(ctx, channel, msg, user)
	}
	return out
}

func (e *Engine) invoke(ctx context.Context, log *slog.Logger, cmd *command.Command, u *users.User, inv command.Invocation) Outcome {
	id := cmd.Identity()
	now := e.clock().Now()
	category := ""
	if e.Category != nil {
		category = e.Category()
	}

	e.gate.Lock()
	if left := u.CooldownRemaining(id, cmd.UserCooldown(), now); left > 0 {
		e.gate.Unlock()
		log.Debug("command on user cooldown", slog.String("command", id), slog.String("user", inv.User.Login))
		telemetry.CooldownRejected("user")
		if cmd.ReplyOnCooldown() {
			e.reply(inv, "⚠️ You can use this command again in "+cooldown.Humanize(left))
		}
		return OutcomeUserCooldown
	}
	if left := cmd.Remaining(now); left > 0 {
		e.gate.Unlock()
		log.Debug("command on global cooldown", slog.String("command", id))
		telemetry.CooldownRejected("global")
		if cmd.ReplyOnCooldown() {
			e.reply(inv, "⚠️ This command is on cooldown for another "+cooldown.Humanize(left))
		}
		return OutcomeGlobalCooldown
	}
	u.MarkUsed(id, now)
	err := cmd.Permit(inv.User, category, e.BotLogin)
	if err == nil {
		cmd.MarkTriggered(now)
	}
	e.gate.Unlock()

	if err != nil {
		log.Debug("command not permitted", slog.String("command", id), slog.String("user", inv.User.Login), slog.Any("err", err))
		return OutcomeNotPermitted
	}

	log.Info("running command", slog.String("command", id), slog.String("kind", cmd.Kind().String()), slog.String("user", inv.User.Login))
	telemetry.CommandTriggered(id)
	if err := cmd.Run(ctx, inv); err != nil {
		telemetry.CommandFailed(id)
		lvl := slog.LevelError
		if errors.Is(err, context.Canceled) {
			lvl = slog.LevelWarn
		}
		log.Log(ctx, lvl, "command failed", slog.String("command", id), slog.Any("err", err))
	}
	return OutcomeInvoked
}

// parse extracts the command name and argument tokens from text.
func (e *Engine) parse(text string) (string, []string) {
	tokens := strings.Fields(text)
	prefix := e.Prefix
	if prefix == "" {
		prefix = "!"
	}
	if strings.HasPrefix(tokens[0], prefix) {
		return strings.TrimPrefix(tokens[0], prefix), tokens[1:]
	}
	for _, s := range e.Shortcuts {
		m := s.Pattern.FindStringSubmatch(tokens[0])
		if m == nil {
			continue
		}
		id := m[0]
		if len(m) > 1 {
			id = m[1]
		}
		return s.Command, append([]string{id}, tokens[1:]...)
	}
	return "", tokens[1:]
}

func (e *Engine) reply(inv command.Invocation, text string) {
	if e.Chat != nil {
		e.Chat.Reply(inv.Channel, inv.Message.ID, text)
	}
}

func (e *Engine) clock() clockwork.Clock {
	if e.Clock == nil {
		return clockwork.NewRealClock()
	}
	return e.Clock
}
