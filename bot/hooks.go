package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/twitchapi"
)

// EventHandlers routes EventSub notifications into the bot.
func (a *App) EventHandlers() twitchapi.Handlers {
	return twitchapi.Handlers{
		Redemption: func(ctx context.Context, ev twitchapi.RedemptionEvent) {
			a.Router.Dispatch(ctx, ev.Redemption())
		},
		RewardChanged: a.onRewardChanged,
		ChannelUpdate: a.onChannelUpdate,
		AdBreak:       a.onAdBreak,
		Raid:          a.onRaid,
		StreamOnline:  a.onStreamOnline,
		StreamOffline: a.onStreamOffline,
	}
}

func (a *App) onRewardChanged(ctx context.Context, rw redeem.Reward) {
	log := slog.With(slog.String("component", "bot"), slog.String("reward", rw.Title))
	a.Catalog.Upsert(rw)
	if a.d.Rewards != nil {
		if err := a.d.Rewards.Save(ctx, []redeem.Reward{rw}); err != nil {
			log.Warn("mirror reward failed", slog.Any("err", err))
		}
	}
	// a newly created reward may complete the handler table
	if err := a.Router.Bind(); err != nil {
		log.Debug("reward handlers still unbound", slog.Any("err", err))
	}
	log.Info("reward changed", slog.String("id", rw.ID), slog.Bool("enabled", rw.Enabled))
}

func (a *App) onChannelUpdate(_ context.Context, ev twitchapi.ChannelUpdate) {
	if prev := a.Category(); prev != ev.CategoryName {
		slog.Info("category changed", slog.String("from", prev), slog.String("to", ev.CategoryName), slog.String("component", "bot"))
	}
	a.setCategory(ev.CategoryName)
}

// onAdBreak opens the raffle for the length of the break and draws it when the
// break ends.
func (a *App) onAdBreak(ctx context.Context, ev twitchapi.AdBreak) {
	d := time.Duration(ev.DurationSeconds) * time.Second
	slog.Info("ad break started", slog.Duration("duration", d), slog.String("component", "bot"))
	a.speak(a.cfg.TTSVoice, "Ad break started")
	if !a.Raffle.Start(ctx) {
		slog.Debug("raffle already open at ad break", slog.String("component", "bot"))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adTimer != nil {
		a.adTimer.Stop()
	}
	a.adTimer = a.clock.AfterFunc(d, func() { a.onAdBreakEnd(a.base) })
}

func (a *App) onAdBreakEnd(ctx context.Context) {
	a.say("Ad break has ended, welcome back! WooperRise")
	a.speak(a.cfg.TTSVoice, "Ad break finished")
	if _, err := a.Raffle.End(ctx); err != nil {
		slog.Error("end raffle after ad break failed", slog.Any("err", err), slog.String("component", "bot"))
	}
}

func (a *App) onRaid(_ context.Context, ev twitchapi.Raid) {
	name := ev.FromUserName
	if name == "" {
		name = ev.FromUserLogin
	}
	unit := "viewers"
	if ev.Viewers == 1 {
		unit = "viewer"
	}
	slog.Info("raid", slog.String("from", ev.FromUserLogin), slog.Int("viewers", ev.Viewers), slog.String("component", "bot"))
	a.speak(a.cfg.TTSVoice, fmt.Sprintf("%s raided the stream with %d %s!", name, ev.Viewers, unit))
	hype := a.hype(2)
	a.say(strings.TrimSpace(fmt.Sprintf("%s Thank you @%s for the raid of %d! Check them out at https://twitch.tv/%s! %s",
		hype, name, ev.Viewers, ev.FromUserLogin, hype)))
}

// hype repeats one random configured emote n times.
func (a *App) hype(n int) string {
	if len(a.cfg.Emotes) == 0 {
		return ""
	}
	e := a.cfg.Emotes[a.rng.IntN(len(a.cfg.Emotes))]
	return strings.TrimSpace(strings.Repeat(e+" ", n))
}

func (a *App) onStreamOnline(context.Context) {
	slog.Info("stream online", slog.String("component", "bot"))
	a.startRotation()
}

func (a *App) onStreamOffline(context.Context) {
	slog.Info("stream offline", slog.String("component", "bot"))
	a.stopRotation()
}

// startRotation posts the configured lines round-robin, one per interval.
func (a *App) startRotation() {
	lines, every := a.cfg.RotatingMessages, a.cfg.RotatingInterval
	if len(lines) == 0 || every <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rotation != nil {
		a.rotation()
	}
	ctx, cancel := context.WithCancel(a.base)
	a.rotation = cancel
	ticker := a.clock.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if ctx.Err() != nil {
					return
				}
				a.say("🤖 " + a.nextRotating())
			}
		}
	}()
}

func (a *App) nextRotating() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	line := a.cfg.RotatingMessages[a.rotIdx%len(a.cfg.RotatingMessages)]
	a.rotIdx++
	return line
}

func (a *App) stopRotation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rotation != nil {
		a.rotation()
		a.rotation = nil
	}
}
