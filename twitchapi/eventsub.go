package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/telemetry"
)

const defaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// EventSub subscription types handled by the bot.
const (
	TypeRedemptionAdd = "channel.channel_points_custom_reward_redemption.add"
	TypeRewardAdd     = "channel.channel_points_custom_reward.add"
	TypeRewardUpdate  = "channel.channel_points_custom_reward.update"
	TypeChannelUpdate = "channel.update"
	TypeAdBreakBegin  = "channel.ad_break.begin"
	TypeRaid          = "channel.raid"
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
)

// RedemptionEvent is a channel-point redemption.
type RedemptionEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	UserInput  string    `json:"user_input"`
	Status     string    `json:"status"`
	RedeemedAt time.Time `json:"redeemed_at"`
	Reward     struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
}

// Redemption converts the event for the redeem router.
func (e RedemptionEvent) Redemption() *redeem.Redemption {
	return &redeem.Redemption{
		ID:          e.ID,
		RewardID:    e.Reward.ID,
		RewardTitle: e.Reward.Title,
		UserID:      e.UserID,
		UserLogin:   e.UserLogin,
		UserName:    e.UserName,
		Input:       e.UserInput,
		RedeemedAt:  e.RedeemedAt,
	}
}

type rewardEvent struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Prompt              string `json:"prompt"`
	Cost                int    `json:"cost"`
	IsEnabled           bool   `json:"is_enabled"`
	IsPaused            bool   `json:"is_paused"`
	IsUserInputRequired bool   `json:"is_user_input_required"`
	SkipQueue           bool   `json:"should_redemptions_skip_request_queue"`
	MaxPerStream        struct {
		IsEnabled bool `json:"is_enabled"`
		Value     int  `json:"value"`
	} `json:"max_per_stream"`
	MaxPerUserPerStream struct {
		IsEnabled bool `json:"is_enabled"`
		Value     int  `json:"value"`
	} `json:"max_per_user_per_stream"`
	GlobalCooldown struct {
		IsEnabled bool `json:"is_enabled"`
		Seconds   int  `json:"seconds"`
	} `json:"global_cooldown"`
}

func (e rewardEvent) reward() redeem.Reward {
	r := redeem.Reward{
		ID: e.ID, Title: e.Title, Prompt: e.Prompt, Cost: e.Cost,
		Enabled: e.IsEnabled, Paused: e.IsPaused, UserInputRequired: e.IsUserInputRequired, AutoFulfill: e.SkipQueue,
	}
	if e.GlobalCooldown.IsEnabled {
		r.CooldownSeconds = e.GlobalCooldown.Seconds
	}
	if e.MaxPerStream.IsEnabled {
		r.MaxPerStream = e.MaxPerStream.Value
	}
	if e.MaxPerUserPerStream.IsEnabled {
		r.MaxPerUserPerStream = e.MaxPerUserPerStream.Value
	}
	return r
}

// ChannelUpdate carries the stream title and category.
type ChannelUpdate struct {
	Title        string `json:"title"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

// AdBreak is the start of a commercial break.
type AdBreak struct {
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	IsAutomatic     bool      `json:"is_automatic"`
}

// Raid is an incoming raid.
type Raid struct {
	FromUserID    string `json:"from_broadcaster_user_id"`
	FromUserLogin string `json:"from_broadcaster_user_login"`
	FromUserName  string `json:"from_broadcaster_user_name"`
	Viewers       int    `json:"viewers"`
}

// Handlers receive notifications. Nil handlers are skipped. Each notification
// runs on its own goroutine.
type Handlers struct {
	Redemption    func(ctx context.Context, ev RedemptionEvent)
	RewardChanged func(ctx context.Context, r redeem.Reward)
	ChannelUpdate func(ctx context.Context, ev ChannelUpdate)
	AdBreak       func(ctx context.Context, ev AdBreak)
	Raid          func(ctx context.Context, ev Raid)
	StreamOnline  func(ctx context.Context)
	StreamOffline func(ctx context.Context)
}

// Subscriber creates subscriptions for a websocket session; *Helix satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, s Subscription) error
}

// EventSub maintains an EventSub websocket session, following reconnect
// requests and re-dialing with backoff after failures.
type EventSub struct {
	URL           string
	BroadcasterID string
	Subscriber    Subscriber
	Handlers      Handlers
	Backoff       time.Duration

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
}

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string `json:"id"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

func (e envelope) keepalive() time.Duration {
	return time.Duration(e.Payload.Session.KeepaliveTimeoutSeconds) * time.Second
}

// Subscriptions lists what the bot subscribes to for broadcaster id.
func Subscriptions(broadcasterID string) []Subscription {
	b := map[string]string{"broadcaster_user_id": broadcasterID}
	return []Subscription{
		{Type: TypeRedemptionAdd, Version: "1", Condition: b},
		{Type: TypeRewardAdd, Version: "1", Condition: b},
		{Type: TypeRewardUpdate, Version: "1", Condition: b},
		{Type: TypeChannelUpdate, Version: "2", Condition: b},
		{Type: TypeAdBreakBegin, Version: "1", Condition: b},
		{Type: TypeStreamOnline, Version: "1", Condition: b},
		{Type: TypeStreamOffline, Version: "1", Condition: b},
		{Type: TypeRaid, Version: "1", Condition: map[string]string{"to_broadcaster_user_id": broadcasterID}},
	}
}

// Run keeps a session open until ctx is cancelled.
func (e *EventSub) Run(ctx context.Context) error {
	base := e.URL
	if base == "" {
		base = defaultEventSubURL
	}
	backoff := e.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	addr, subscribe := base, true
	var prev *gws.Conn
	for {
		next, conn, err := e.session(ctx, addr, subscribe, prev)
		telemetry.SetEventSubConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if next != "" {
			slog.Info("eventsub reconnect requested", slog.String("url", next), slog.String("component", "eventsub"))
			addr, subscribe, prev = next, false, conn
			continue
		}
		slog.Warn("eventsub session ended", slog.Any("err", err), slog.Duration("retry_in", backoff), slog.String("component", "eventsub"))
		addr, subscribe, prev = base, true, nil
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// session runs one connection. It returns the reconnect URL when Twitch asks to
// migrate, along with the still-open connection to close once the new one is up.
func (e *EventSub) session(ctx context.Context, addr string, subscribe bool, prev *gws.Conn) (string, *gws.Conn, error) {
	h := &sessionHandler{
		es:        e,
		ctx:       ctx,
		subscribe: subscribe,
		prev:      prev,
		reconnect: make(chan string, 1),
		closed:    make(chan error, 1),
	}
	conn, _, err := gws.NewClient(h, &gws.ClientOption{Addr: addr})
	if err != nil {
		if prev != nil {
			prev.WriteClose(1000, nil)
		}
		return "", nil, fmt.Errorf("dial eventsub: %w", err)
	}
	go conn.ReadLoop()

	select {
	case <-ctx.Done():
		conn.WriteClose(1000, nil)
		return "", nil, ctx.Err()
	case url := <-h.reconnect:
		return url, conn, nil
	case err := <-h.closed:
		return "", nil, err
	}
}

type sessionHandler struct {
	es        *EventSub
	ctx       context.Context
	subscribe bool
	prev      *gws.Conn
	reconnect chan string
	closed    chan error
	// keepalive is the window announced by session_welcome.
	keepalive time.Duration
}

func (h *sessionHandler) OnOpen(*gws.Conn) {
	slog.Info("eventsub connected", slog.String("component", "eventsub"))
}

func (h *sessionHandler) OnClose(_ *gws.Conn, err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	select {
	case h.closed <- err:
	default:
	}
}

func (h *sessionHandler) OnPing(conn *gws.Conn, payload []byte) {
	conn.WritePong(payload)
}

func (h *sessionHandler) OnPong(*gws.Conn, []byte) {}

func (h *sessionHandler) OnMessage(conn *gws.Conn, message *gws.Message) {
	defer message.Close()
	var env envelope
	if err := json.Unmarshal(message.Data.Bytes(), &env); err != nil {
		slog.Warn("eventsub bad frame", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}

	switch env.Metadata.MessageType {
	case "session_welcome":
		h.keepalive = env.keepalive()
		h.armDeadline(conn)
		telemetry.SetEventSubConnected(true)
		if h.prev != nil {
			h.prev.WriteClose(1000, nil)
			h.prev = nil
		}
		if h.subscribe {
			go h.es.subscribeAll(h.ctx, env.Payload.Session.ID)
		}
	case "session_keepalive":
		h.armDeadline(conn)
	case "session_reconnect":
		select {
		case h.reconnect <- env.Payload.Session.ReconnectURL:
		default:
		}
	case "notification":
		h.armDeadline(conn)
		if h.es.duplicate(env.Metadata.MessageID) {
			return
		}
		typ := env.Payload.Subscription.Type
		if typ == "" {
			typ = env.Metadata.SubscriptionType
		}
		go h.es.dispatch(h.ctx, typ, env.Payload.Event)
	case "revocation":
		slog.Warn("eventsub subscription revoked", slog.String("type", env.Payload.Subscription.Type), slog.String("component", "eventsub"))
	default:
		slog.Debug("eventsub unknown message", slog.String("type", env.Metadata.MessageType), slog.String("component", "eventsub"))
	}
}

// armDeadline drops the connection if Twitch goes quiet past the keepalive window.
func (h *sessionHandler) armDeadline(conn *gws.Conn) {
	conn.SetDeadline(time.Now().Add(h.window()))
}

func (h *sessionHandler) window() time.Duration {
	keepalive := h.keepalive
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	return keepalive + 10*time.Second
}

func (e *EventSub) subscribeAll(ctx context.Context, sessionID string) {
	if e.Subscriber == nil {
		return
	}
	for _, s := range Subscriptions(e.BroadcasterID) {
		if err := e.Subscriber.Subscribe(ctx, sessionID, s); err != nil {
			slog.Error("eventsub subscribe failed", slog.String("type", s.Type), slog.Any("err", err), slog.String("component", "eventsub"))
			continue
		}
		slog.Debug("eventsub subscribed", slog.String("type", s.Type), slog.String("component", "eventsub"))
	}
}

// duplicate reports whether id was already delivered; Twitch may resend.
func (e *EventSub) duplicate(id string) bool {
	if id == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	if _, ok := e.seen[id]; ok {
		return true
	}
	e.seen[id] = struct{}{}
	e.ring = append(e.ring, id)
	if len(e.ring) > 512 {
		delete(e.seen, e.ring[0])
		e.ring = e.ring[1:]
	}
	return false
}

func (e *EventSub) dispatch(ctx context.Context, typ string, raw json.RawMessage) {
	log := slog.With(slog.String("type", typ), slog.String("component", "eventsub"))
	decode := func(v any) bool {
		if err := json.Unmarshal(raw, v); err != nil {
			log.Warn("eventsub bad event payload", slog.Any("err", err))
			return false
		}
		return true
	}
	hs := e.Handlers
	switch typ {
	case TypeRedemptionAdd:
		var ev RedemptionEvent
		if hs.Redemption != nil && decode(&ev) {
			hs.Redemption(ctx, ev)
		}
	case TypeRewardAdd, TypeRewardUpdate:
		var ev rewardEvent
		if hs.RewardChanged != nil && decode(&ev) {
			hs.RewardChanged(ctx, ev.reward())
		}
	case TypeChannelUpdate:
		var ev ChannelUpdate
		if hs.ChannelUpdate != nil && decode(&ev) {
			hs.ChannelUpdate(ctx, ev)
		}
	case TypeAdBreakBegin:
		var ev AdBreak
		if hs.AdBreak != nil && decode(&ev) {
			hs.AdBreak(ctx, ev)
		}
	case TypeRaid:
		var ev Raid
		if hs.Raid != nil && decode(&ev) {
			hs.Raid(ctx, ev)
		}
	case TypeStreamOnline:
		if hs.StreamOnline != nil {
			hs.StreamOnline(ctx)
		}
	case TypeStreamOffline:
		if hs.StreamOffline != nil {
			hs.StreamOffline(ctx)
		}
	default:
		log.Debug("eventsub unhandled notification")
	}
}
