package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/stream-copilot/command"
	"github.com/onnwee/stream-copilot/cooldown"
	"github.com/onnwee/stream-copilot/dispatch"
	"github.com/onnwee/stream-copilot/leaderboard"
	"github.com/onnwee/stream-copilot/raffle"
	"github.com/onnwee/stream-copilot/ruler"
)

const (
	amHereCredits = 20
	voicePref     = "voice"
)

var mods = []command.Role{command.RoleBroadcaster, command.RoleModerator}

// spinsha.re song links and spinshare:// chart links become a !request.
var chartLink = regexp.MustCompile(`^(?:https?://spinsha\.re/song/|spinshare://chart/)(\S+)$`)

func shortcuts() []dispatch.Shortcut {
	return []dispatch.Shortcut{{Pattern: chartLink, Command: "request"}}
}

type trigger struct {
	name   string
	action command.Action
	opts   command.Options
}

type pattern struct {
	expr   string
	action command.Action
	opts   command.Options
}

func (a *App) registerCommands() error {
	triggers := []trigger{
		{"amhere", a.cmdAmHere, command.Options{UserCooldown: 30 * time.Minute, ReplyOnCooldown: true}},
		{"credits", a.cmdCredits, command.Options{Aliases: []string{"balance", "bal"}, UserCooldown: 10 * time.Second}},
		{"odds", a.cmdOdds, command.Options{Cooldown: 10 * time.Second}},
		{"crown", a.cmdCrown, command.Options{Aliases: []string{"ruler"}, Cooldown: 10 * time.Second}},
		{"givecrown", a.cmdGiveCrown, command.Options{UserCooldown: 5 * time.Second}},
		{"raffle", a.cmdRaffle, command.Options{Whitelist: mods}},
		{"rafjoin", a.cmdRafJoin, command.Options{}},
		{"commands", a.cmdCommands, command.Options{Cooldown: 30 * time.Second}},
		{"voice", a.cmdVoice, command.Options{UserCooldown: 10 * time.Second}},
		{"request", a.cmdRequest, command.Options{Aliases: []string{"srxd", "req", "sr"}, UserCooldown: 5 * time.Second}},
		{"r", a.cmdRequestHelp, command.Options{Aliases: []string{"rhelp", "requests", "howto"}, Cooldown: 15 * time.Second}},
	}
	for _, t := range triggers {
		if err := a.Commands.RegisterTrigger(t.name, t.action, t.opts); err != nil {
			return err
		}
	}

	patterns := []pattern{
		{`^(do|play|try)\s.*\s(song|pls|please|plz|plx)`, a.cmdRequestHelp, command.Options{
			Aliases:  []string{`^can\syou\s(do|play|try)\s.*`, `how\s.*\s(request|add)`},
			Cooldown: 30 * time.Second,
		}},
		{`^(are|r)\s(you|u)\s.*(fur|fury|furry|furrie|furre)`, a.replyWith("no of course not, what makes you think such a thing? FlatEricHuh"), command.Options{
			Cooldown: 30 * time.Second,
		}},
		{`crazy`, a.sayWith("Crazy? I was crazy once. They locked me in a room. A rubber room. A rubber room with rats. And rats make me crazy."), command.Options{
			Cooldown: 60 * time.Second,
		}},
		{`[0-9]\sads`, a.replyWith("Ads help keep the lights on. Subscribers don't see them!"), command.Options{
			Cooldown:      60 * time.Second,
			NoFallthrough: true,
		}},
	}
	for _, p := range patterns {
		if err := a.Commands.RegisterRegex(p.expr, p.action, p.opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) replyWith(text string) command.Action {
	return func(_ context.Context, inv command.Invocation) error {
		a.reply(inv, text)
		return nil
	}
}

func (a *App) sayWith(text string) command.Action {
	return func(_ context.Context, inv command.Invocation) error {
		a.d.Chat.Say(inv.Channel, text)
		return nil
	}
}

func (a *App) cmdAmHere(ctx context.Context, inv command.Invocation) error {
	if err := a.d.Scores.Add(ctx, inv.User.ID, a.cfg.CreditsKey, amHereCredits, 0); err != nil {
		a.reply(inv, "⚠️ Something went wrong, try again later.")
		return fmt.Errorf("amhere credit: %w", err)
	}
	a.reply(inv, fmt.Sprintf("%d %s to you! Okayge", amHereCredits, a.cfg.CreditsKey))
	return nil
}

func (a *App) balance(ctx context.Context, userID string) (int, error) {
	v, err := a.d.Scores.Value(ctx, userID, a.cfg.CreditsKey)
	if errors.Is(err, leaderboard.ErrNotFound) {
		return 0, nil
	}
	return v, err
}

func (a *App) cmdCredits(ctx context.Context, inv command.Invocation) error {
	v, err := a.balance(ctx, inv.User.ID)
	if err != nil {
		a.reply(inv, "⚠️ Couldn't check your credits, try again later.")
		return fmt.Errorf("credits lookup: %w", err)
	}
	a.reply(inv, fmt.Sprintf("You have %d %s.", v, a.cfg.CreditsKey))
	return nil
}

func (a *App) cmdOdds(_ context.Context, inv command.Invocation) error {
	pct := int(math.Floor(a.Gamble.Odds() * 100))
	a.reply(inv, fmt.Sprintf("🪙 The next coin flip has a %d%% chance of heads and %d%% chance of tails.", pct, 100-pct))
	return nil
}

func (a *App) cmdCrown(_ context.Context, inv command.Invocation) error {
	s := a.Ruler.Snapshot()
	if s.Holder == nil {
		a.reply(inv, fmt.Sprintf("Nobody holds the crown yet! Redeem \"%s\" and answer: what is %s?", a.cfg.RewardRuler, s.Challenge))
		return nil
	}
	held := cooldown.Humanize(time.Duration(s.HeldFor) * time.Second)
	a.reply(inv, fmt.Sprintf("👑 %s is the Ruler of the Redeem and has held the crown for %s.", s.Holder.Name, held))
	return nil
}

func (a *App) cmdGiveCrown(ctx context.Context, inv command.Invocation) error {
	if len(inv.Args) == 0 {
		a.reply(inv, "Usage: !givecrown @user")
		return nil
	}
	if a.d.Platform == nil {
		a.reply(inv, "⚠️ Can't look up users right now.")
		return nil
	}
	u, ok, err := a.d.Platform.ResolveUser(ctx, inv.Args[0])
	if err != nil {
		a.reply(inv, "⚠️ Can't look up users right now.")
		return fmt.Errorf("resolve %q: %w", inv.Args[0], err)
	}
	if !ok {
		a.reply(inv, fmt.Sprintf("⚠️ Couldn't find a user named %s.", inv.Args[0]))
		return nil
	}
	name := u.DisplayName
	if name == "" {
		name = u.Login
	}
	switch err := a.Ruler.Give(ctx, inv.User.ID, ruler.Holder{ID: u.ID, Name: name}); {
	case errors.Is(err, ruler.ErrNotHolder):
		a.reply(inv, "⚠️ Only the current ruler can give the crown away.")
	case errors.Is(err, ruler.ErrSelfGive):
		a.reply(inv, "⚠️ You already hold the crown!")
	case err != nil:
		return err
	}
	return nil
}

func (a *App) cmdRaffle(ctx context.Context, inv command.Invocation) error {
	if len(inv.Args) == 0 {
		a.reply(inv, "Usage: !raffle start|end|cancel|add <credits>|set <credits>")
		return nil
	}
	switch strings.ToLower(inv.Args[0]) {
	case "start":
		if !a.Raffle.Start(ctx) {
			a.reply(inv, "A raffle is already running.")
		}
	case "end":
		if !a.Raffle.Open() {
			a.reply(inv, "No raffle is running.")
			return nil
		}
		if _, err := a.Raffle.End(ctx); err != nil {
			return fmt.Errorf("end raffle: %w", err)
		}
	case "cancel":
		if !a.Raffle.Cancel(ctx) {
			a.reply(inv, "No raffle is running.")
		}
	case "add", "set":
		if len(inv.Args) < 2 {
			a.reply(inv, fmt.Sprintf("Usage: !raffle %s <credits>", inv.Args[0]))
			return nil
		}
		n, err := strconv.ParseFloat(strings.ReplaceAll(inv.Args[1], ",", ""), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			a.reply(inv, "⚠️ That's not a number!")
			return nil
		}
		if strings.EqualFold(inv.Args[0], "add") {
			_, err = a.Raffle.AddCredits(ctx, n)
		} else {
			_, err = a.Raffle.SetCredits(ctx, n)
		}
		return err
	default:
		a.reply(inv, "Usage: !raffle start|end|cancel|add <credits>|set <credits>")
	}
	return nil
}

func (a *App) cmdRafJoin(_ context.Context, inv command.Invocation) error {
	a.Raffle.Join(raffle.Entrant{ID: inv.User.ID, DisplayName: inv.User.Name()})
	return nil
}

func (a *App) cmdCommands(_ context.Context, inv command.Invocation) error {
	c := a.Commands.Counts()
	a.reply(inv, fmt.Sprintf("I know %d commands (%d unique) and listen for %d phrases.", c.Triggers, c.UniqueTriggers, c.Patterns))
	return nil
}

// cmdVoice shows or sets the caller's narration voice.
func (a *App) cmdVoice(ctx context.Context, inv command.Invocation) error {
	u := a.Users.Get(ctx, inv.User.ID)
	if len(inv.Args) == 0 {
		v, ok := u.Pref(voicePref)
		if !ok {
			v = a.cfg.TTSVoice
		}
		a.reply(inv, fmt.Sprintf("Your messages are read with the %s voice.", v))
		return nil
	}
	v := inv.Args[0]
	if err := u.SetPref(ctx, voicePref, v); err != nil {
		a.reply(inv, "⚠️ Couldn't save that, try again later.")
		return err
	}
	a.reply(inv, fmt.Sprintf("Your messages will now be read with the %s voice.", v))
	return nil
}

// Request is the overlay event for a chart request.
type Request struct {
	ID    string `json:"id"`
	User  string `json:"user"`
	Login string `json:"login"`
}

func (a *App) cmdRequest(_ context.Context, inv command.Invocation) error {
	if len(inv.Args) == 0 {
		a.reply(inv, "Usage: !request <spinsha.re link or id>")
		return nil
	}
	id := inv.Args[0]
	if m := chartLink.FindStringSubmatch(id); m != nil {
		id = m[1]
	}
	if a.d.Overlay == nil {
		a.reply(inv, "⚠️ Requests are closed right now.")
		return nil
	}
	a.d.Overlay.Broadcast("request", Request{ID: id, User: inv.User.Name(), Login: inv.User.Login})
	a.reply(inv, fmt.Sprintf("Requested map %s!", id))
	return nil
}

func (a *App) cmdRequestHelp(_ context.Context, inv command.Invocation) error {
	a.reply(inv, `To request maps, find the map on https://spinsha.re and paste its link in chat, or send "!request" followed by its id (e.g. "!request 12345").`)
	return nil
}
