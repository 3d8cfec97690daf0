package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stream-copilot/command"
	"github.com/onnwee/stream-copilot/config"
	"github.com/onnwee/stream-copilot/leaderboard"
	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/twitchapi"
)

type fixedRand struct{}

func (fixedRand) Float64() float64 { return 0.5 }
func (fixedRand) IntN(int) int     { return 0 }

type chatLog struct {
	mu      sync.Mutex
	said    []string
	replies []string
}

func (c *chatLog) Say(_, text string) {
	c.mu.Lock()
	c.said = append(c.said, text)
	c.mu.Unlock()
}

func (c *chatLog) Reply(_, _, text string) {
	c.mu.Lock()
	c.replies = append(c.replies, text)
	c.mu.Unlock()
}

func (c *chatLog) lastReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1]
}

func (c *chatLog) saidContaining(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.said {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type overlayLog struct {
	mu     sync.Mutex
	speech []string
	events map[string][]any
	cues   []string
}

func (o *overlayLog) Play(name string, _ float64) {
	o.mu.Lock()
	o.cues = append(o.cues, name)
	o.mu.Unlock()
}

func (o *overlayLog) Speak(_, text string, _ int) {
	o.mu.Lock()
	o.speech = append(o.speech, text)
	o.mu.Unlock()
}

func (o *overlayLog) Broadcast(event string, data any) {
	o.mu.Lock()
	if o.events == nil {
		o.events = map[string][]any{}
	}
	o.events[event] = append(o.events[event], data)
	o.mu.Unlock()
}

func (o *overlayLog) Clients() int { return 2 }

func (o *overlayLog) spoken() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.speech...)
}

type memScores struct {
	mu   sync.Mutex
	vals map[string]int
}

func (s *memScores) Value(_ context.Context, id, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[id+"/"+key]
	if !ok {
		return 0, leaderboard.ErrNotFound
	}
	return v, nil
}

func (s *memScores) Add(_ context.Context, id, key string, delta, def int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vals == nil {
		s.vals = map[string]int{}
	}
	if _, ok := s.vals[id+"/"+key]; !ok {
		s.vals[id+"/"+key] = def
	}
	s.vals[id+"/"+key] += delta
	return nil
}

func (s *memScores) get(id, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[id+"/"+key]
}

type memCounters struct {
	mu   sync.Mutex
	vals map[string]int
}

func (c *memCounters) Get(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vals[key], nil
}

func (c *memCounters) Set(_ context.Context, key string, v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] = v
	return nil
}

func (c *memCounters) Increment(_ context.Context, key string, d int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[key] += d
	return c.vals[key], nil
}

type fakePlatform struct {
	mu       sync.Mutex
	rewards  []redeem.Reward
	statuses map[string]redeem.Status
	users    map[string]twitchapi.User
	category string
	catErr   error
}

func (f *fakePlatform) ListRewards(context.Context) ([]redeem.Reward, error) {
	return f.rewards, nil
}

func (f *fakePlatform) UpdateReward(context.Context, redeem.Reward) error { return nil }

func (f *fakePlatform) SetRedemptionStatus(_ context.Context, _, id string, s redeem.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
	return nil
}

func (f *fakePlatform) ResolveUser(_ context.Context, handle string) (twitchapi.User, bool, error) {
	u, ok := f.users[strings.ToLower(strings.TrimPrefix(handle, "@"))]
	return u, ok, nil
}

func (f *fakePlatform) ChannelCategory(context.Context) (string, error) {
	return f.category, f.catErr
}

func (f *fakePlatform) status(id string) redeem.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type memKV struct {
	mu   sync.Mutex
	vals map[string]string
}

func (k *memKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.vals[key], nil
}

func (k *memKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vals[key] = value
	return nil
}

type memRewards struct {
	mu    sync.Mutex
	saved map[string]redeem.Reward
}

func (m *memRewards) Save(_ context.Context, rs []redeem.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.saved[r.ID] = r
	}
	return nil
}

func (m *memRewards) List(context.Context) ([]redeem.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]redeem.Reward, 0, len(m.saved))
	for _, r := range m.saved {
		out = append(out, r)
	}
	return out, nil
}

func testConfig() config.Config {
	return config.Config{
		TwitchChannel:     "parrot",
		TwitchBotUsername: "copilot",
		CommandPrefix:     "!",
		CreditsKey:        "Gamba Credits",
		RulerKey:          "Ruler of the Redeem",
		RewardRuler:       "Ruler of the Redeem",
		RewardSteal:       "Steal the Crown",
		RewardRefresh:     "Force Refresh",
		RewardCoinFlip:    "Flip a Coin",
		TTSVoice:          "Brian",
		RotatingInterval:  time.Minute,
		RotatingMessages:  []string{"join the discord", "drink water"},
	}
}

func catalog(cfg config.Config) []redeem.Reward {
	return []redeem.Reward{
		{ID: "claim", Title: cfg.RewardRuler, UserInputRequired: true},
		{ID: "steal", Title: cfg.RewardSteal},
		{ID: "refresh", Title: cfg.RewardRefresh},
		{ID: "flip", Title: cfg.RewardCoinFlip, UserInputRequired: true},
	}
}

type fixture struct {
	app      *App
	clock    *clockwork.FakeClock
	chat     *chatLog
	overlay  *overlayLog
	scores   *memScores
	counters *memCounters
	platform *fakePlatform
	kv       *memKV
	mirror   *memRewards
}

func newFixture(t *testing.T, mutate func(*config.Config, *Deps)) *fixture {
	t.Helper()
	cfg := testConfig()
	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		chat:     &chatLog{},
		overlay:  &overlayLog{},
		scores:   &memScores{},
		counters: &memCounters{vals: map[string]int{}},
		platform: &fakePlatform{
			rewards:  catalog(cfg),
			statuses: map[string]redeem.Status{},
			users:    map[string]twitchapi.User{"bob": {ID: "u2", Login: "bob", DisplayName: "Bob"}},
		},
		kv:     &memKV{vals: map[string]string{}},
		mirror: &memRewards{saved: map[string]redeem.Reward{}},
	}
	d := Deps{
		Chat:     f.chat,
		Overlay:  f.overlay,
		Platform: f.platform,
		Scores:   f.scores,
		Counters: f.counters,
		KV:       f.kv,
		Rewards:  f.mirror,
		Breaker:  func() string { return "closed" },
		Clock:    f.clock,
		Rand:     fixedRand{},
	}
	if mutate != nil {
		mutate(&cfg, &d)
	}
	app, err := New(context.Background(), cfg, d)
	require.NoError(t, err)
	f.app = app
	t.Cleanup(func() { app.Close(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.app.Start(context.Background()))
}

var (
	alice = command.Invoker{ID: "u1", Login: "alice", DisplayName: "Alice"}
	mod   = command.Invoker{ID: "m1", Login: "mo", DisplayName: "Mo", Moderator: true}
)

func (f *fixture) send(user command.Invoker, text string) {
	f.app.OnMessage(context.Background(), "parrot", command.Message{ID: "m-" + text, Text: text}, user)
}

func redemption(id, rewardID, title, input string) twitchapi.RedemptionEvent {
	ev := twitchapi.RedemptionEvent{ID: id, UserID: "u1", UserLogin: "alice", UserName: "Alice", UserInput: input}
	ev.Reward.ID, ev.Reward.Title = rewardID, title
	return ev
}

func TestStartSyncsBindsAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	require.Error(t, f.app.Ready(context.Background()))
	f.start(t)
	require.NoError(t, f.app.Ready(context.Background()))

	assert.Equal(t, 4, f.app.Catalog.Len())
	assert.Len(t, f.mirror.saved, 4)
	claim, ok := f.app.Catalog.ByID("claim")
	require.True(t, ok)
	assert.True(t, claim.Enabled)
	assert.Equal(t, "What is 0 - 0?", claim.Prompt)
}

func TestStartLoadsCategory(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) { d.Platform.(*fakePlatform).category = "VRChat" })
	f.start(t)
	assert.Equal(t, "VRChat", f.app.Category())

	// narration is muted in the loaded category without any channel.update
	f.send(alice, "hello there")
	assert.Equal(t, []string{"Alice has entered the chat."}, f.overlay.spoken())
}

func TestStartToleratesCategoryFailure(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) { d.Platform.(*fakePlatform).catErr = errors.New("boom") })
	f.start(t)
	assert.Empty(t, f.app.Category())
}

func TestStartFailsWhenRewardMissing(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		p := d.Platform.(*fakePlatform)
		p.rewards = p.rewards[:3]
	})
	err := f.app.Start(context.Background())
	require.ErrorIs(t, err, redeem.ErrRedeemNotFound)
}

func TestStartFallsBackToMirror(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) { d.Platform = nil })
	require.NoError(t, f.mirror.Save(context.Background(), catalog(testConfig())))
	f.start(t)
	assert.Equal(t, 4, f.app.Catalog.Len())

	rewards, err := f.app.Rewards(context.Background())
	require.NoError(t, err)
	assert.Len(t, rewards, 4)
}

func TestStartRestoresOdds(t *testing.T) {
	f := newFixture(t, nil)
	f.kv.vals[oddsKey] = "0.31"
	f.start(t)
	assert.InDelta(t, 0.31, f.app.Gamble.Odds(), 1e-9)
}

func TestAmHereCreditsOncePerWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.send(alice, "!amhere")
	assert.Equal(t, 20, f.scores.get("u1", "Gamba Credits"))
	assert.Equal(t, "20 Gamba Credits to you! Okayge", f.chat.lastReply())

	f.send(alice, "!amhere")
	assert.Equal(t, 20, f.scores.get("u1", "Gamba Credits"))
	assert.Contains(t, f.chat.lastReply(), "You can use this command again in")

	f.clock.Advance(31 * time.Minute)
	f.send(alice, "!amhere")
	assert.Equal(t, 40, f.scores.get("u1", "Gamba Credits"))
}

func TestCreditsUnknownUserIsZero(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "!balance")
	assert.Equal(t, "You have 0 Gamba Credits.", f.chat.lastReply())
}

func TestOddsCommand(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "!odds")
	assert.Contains(t, f.chat.lastReply(), "50% chance of heads and 50% chance of tails")
}

func TestRaffleCommandsNeedModerator(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.send(alice, "!raffle start")
	assert.False(t, f.app.Raffle.Open())

	f.send(mod, "!raffle start")
	require.True(t, f.app.Raffle.Open())
	assert.True(t, f.chat.saidContaining("!rafjoin"))

	f.send(alice, "!rafjoin")
	assert.Equal(t, 1, f.app.Raffle.Entrants())

	f.send(mod, "!raffle add 1,000.9")
	pool, _ := f.app.Raffle.Pool(context.Background())
	assert.Greater(t, pool, 1000)

	f.send(mod, "!raffle cancel")
	assert.False(t, f.app.Raffle.Open())
	after, _ := f.app.Raffle.Pool(context.Background())
	assert.Equal(t, pool, after)
}

func TestClaimRedemptionFulfillsOrRefunds(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	h := f.app.EventHandlers()

	h.Redemption(context.Background(), redemption("r-wrong", "claim", "Ruler of the Redeem", "7"))
	assert.Equal(t, redeem.StatusCanceled, f.platform.status("r-wrong"))
	_, held := f.app.Ruler.Holder()
	assert.False(t, held)

	h.Redemption(context.Background(), redemption("r-right", "claim", "Ruler of the Redeem", " 0 "))
	assert.Equal(t, redeem.StatusFulfilled, f.platform.status("r-right"))
	holder, held := f.app.Ruler.Holder()
	require.True(t, held)
	assert.Equal(t, "Alice", holder.Name)

	f.send(alice, "!crown")
	assert.Contains(t, f.chat.lastReply(), "Alice is the Ruler of the Redeem")
}

func TestGiveCrown(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.app.EventHandlers().Redemption(context.Background(), redemption("r1", "claim", "Ruler of the Redeem", "0"))

	f.send(mod, "!givecrown @bob")
	assert.Contains(t, f.chat.lastReply(), "Only the current ruler")

	f.send(alice, "!givecrown @nobody")
	assert.Contains(t, f.chat.lastReply(), "Couldn't find a user")

	f.clock.Advance(6 * time.Second)
	f.send(alice, "!givecrown @bob")
	holder, _ := f.app.Ruler.Holder()
	assert.Equal(t, "u2", holder.ID)
}

func TestCloseAwardsRulerTime(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.app.EventHandlers().Redemption(context.Background(), redemption("r1", "claim", "Ruler of the Redeem", "0"))
	f.clock.Advance(10 * time.Second)

	f.app.Close(context.Background())
	f.app.Close(context.Background())
	assert.Equal(t, 10, f.scores.get("u1", "Ruler of the Redeem"))
}

func TestCoinFlipPersistsOdds(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	require.NoError(t, f.scores.Add(context.Background(), "u1", "Gamba Credits", 1000, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.app.EventHandlers().Redemption(context.Background(), redemption("r1", "flip", "Flip a Coin", "100 h"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(12 * time.Second)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("coin flip did not settle")
	}

	assert.Equal(t, redeem.StatusFulfilled, f.platform.status("r1"))
	// fixedRand lands tails against a called heads
	assert.Equal(t, 900, f.scores.get("u1", "Gamba Credits"))
	p, err := strconv.ParseFloat(f.kv.vals[oddsKey], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.54, p, 1e-9)
}

func TestCoinFlipRejectionRefunds(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.app.EventHandlers().Redemption(context.Background(), redemption("r1", "flip", "Flip a Coin", "lots"))
	assert.Equal(t, redeem.StatusCanceled, f.platform.status("r1"))
	assert.Empty(t, f.kv.vals[oddsKey])
}

func TestAdBreakDrawsRaffleWhenOver(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	h := f.app.EventHandlers()

	h.AdBreak(context.Background(), twitchapi.AdBreak{DurationSeconds: 90})
	require.True(t, f.app.Raffle.Open())
	f.send(alice, "!rafjoin")
	pool, _ := f.app.Raffle.Pool(context.Background())

	f.clock.Advance(90 * time.Second)
	require.Eventually(t, func() bool { return f.chat.saidContaining("welcome back") && !f.app.Raffle.Open() },
		time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.scores.get("u1", "Gamba Credits") == pool*2 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, f.overlay.spoken(), "Ad break started")
}

func TestRotatingMessagesWhileLive(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	h := f.app.EventHandlers()

	h.StreamOnline(context.Background())
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.chat.saidContaining("🤖 join the discord") }, time.Second, 10*time.Millisecond)
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.chat.saidContaining("🤖 drink water") }, time.Second, 10*time.Millisecond)

	h.StreamOffline(context.Background())
	f.chat.mu.Lock()
	n := len(f.chat.said)
	f.chat.mu.Unlock()
	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	f.chat.mu.Lock()
	defer f.chat.mu.Unlock()
	assert.Len(t, f.chat.said, n)
}

func TestRewardChangedUpsertsAndMirrors(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.app.EventHandlers().RewardChanged(context.Background(), redeem.Reward{ID: "hydrate", Title: "Hydrate", Cost: 100})
	_, ok := f.app.Catalog.ByID("hydrate")
	assert.True(t, ok)
	assert.Contains(t, f.mirror.saved, "hydrate")
}

func TestChannelUpdateSetsCategory(t *testing.T) {
	f := newFixture(t, nil)
	f.app.EventHandlers().ChannelUpdate(context.Background(), twitchapi.ChannelUpdate{CategoryName: "Spin Rhythm XD"})
	assert.Equal(t, "Spin Rhythm XD", f.app.Category())
}

func TestRaidThanksRaider(t *testing.T) {
	f := newFixture(t, func(c *config.Config, _ *Deps) { c.Emotes = []string{"catHYPE"} })
	f.app.EventHandlers().Raid(context.Background(), twitchapi.Raid{FromUserLogin: "bob", FromUserName: "Bob", Viewers: 1})
	assert.True(t, f.chat.saidContaining("catHYPE catHYPE Thank you @Bob for the raid of 1!"))
	assert.Contains(t, f.overlay.spoken(), "Bob raided the stream with 1 viewer!")
}

func TestPipelineNarratesStandardMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "hello https://example.com there")
	assert.Equal(t, []string{"Alice has entered the chat.", "Alice", "hello there"}, f.overlay.spoken())

	f.send(alice, "@bob hi")
	assert.Len(t, f.overlay.spoken(), 3)

	f.app.setCategory("VRChat")
	f.send(alice, "quiet please")
	assert.Len(t, f.overlay.spoken(), 3)
}

func TestVoicePreference(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "!voice")
	assert.Contains(t, f.chat.lastReply(), "Brian")
	f.clock.Advance(11 * time.Second)
	f.send(alice, "!voice Amy")
	v, ok := f.app.Users.Get(context.Background(), "u1").Pref("voice")
	require.True(t, ok)
	assert.Equal(t, "Amy", v)
}

func TestSpokenName(t *testing.T) {
	assert.Equal(t, "Alice", spokenName(alice))
	assert.Equal(t, "yuki", spokenName(command.Invoker{Login: "yuki", DisplayName: "ゆき"}))
	assert.Equal(t, "bob", spokenName(command.Invoker{Login: "bob"}))
}

func TestChartLinkBecomesRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "https://spinsha.re/song/12345")
	f.overlay.mu.Lock()
	reqs := f.overlay.events["request"]
	f.overlay.mu.Unlock()
	require.Len(t, reqs, 1)
	assert.Equal(t, Request{ID: "12345", User: "Alice", Login: "alice"}, reqs[0])
}

func TestRegexFallthrough(t *testing.T) {
	f := newFixture(t, nil)
	f.send(alice, "that is crazy")
	assert.True(t, f.chat.saidContaining("I was crazy once"))
	// first-seen plus name and text
	assert.Len(t, f.overlay.spoken(), 3)

	f.send(alice, "3 ads again")
	assert.Contains(t, f.chat.lastReply(), "Ads help")
	assert.Len(t, f.overlay.spoken(), 3)
}

func TestAdminState(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	require.True(t, f.app.StartRaffle(context.Background()))
	st := f.app.State(context.Background())
	assert.True(t, st.Raffle.Open)
	assert.Positive(t, st.Raffle.Pool)
	assert.Equal(t, 2, st.SoundClients)
	assert.Equal(t, "closed", st.Leaderboard)
	assert.Equal(t, "unclaimed", st.Ruler.State)
	assert.True(t, f.app.CancelRaffle(context.Background()))
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(context.Background(), testConfig(), Deps{})
	require.Error(t, err)
}
