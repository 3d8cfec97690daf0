package bot

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/onnwee/stream-copilot/command"
)

// quietCategories are stream categories where chat is not read aloud.
var quietCategories = []string{"VRChat"}

// pipeline narrates ordinary chat over the overlay.
type pipeline struct{ a *App }

func (p pipeline) FirstSeen(_ context.Context, _ string, user command.Invoker) {
	p.a.speak(p.a.cfg.TTSVoice, spokenName(user)+" has entered the chat.")
}

func (p pipeline) Standard(ctx context.Context, channel string, msg command.Message, user command.Invoker) {
	a := p.a
	if len(a.cfg.Emotes) > 0 && a.rng.IntN(1000) == 69 {
		a.d.Chat.Say(channel, a.cfg.Emotes[a.rng.IntN(len(a.cfg.Emotes))])
	}
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "@") || slices.Contains(quietCategories, a.Category()) {
		return
	}
	text = stripLinks(text)
	if text == "" {
		return
	}
	voice := a.cfg.TTSVoice
	if v, ok := a.Users.Get(ctx, user.ID).Pref(voicePref); ok && v != "" {
		voice = v
	}
	a.speak(a.cfg.TTSVoice, spokenName(user))
	a.speak(voice, text)
}

var latinName = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// spokenName prefers the display name unless it has characters a voice would
// mangle, in which case the login is used.
func spokenName(u command.Invoker) string {
	if u.DisplayName != "" && latinName.MatchString(u.DisplayName) {
		return u.DisplayName
	}
	return u.Login
}

func stripLinks(s string) string {
	parts := strings.Fields(s)
	out := parts[:0]
	for _, p := range parts {
		if strings.HasPrefix(p, "http:") || strings.HasPrefix(p, "https:") {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}
