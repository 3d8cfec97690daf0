package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/onnwee/stream-copilot/command"
	"github.com/onnwee/stream-copilot/telemetry"
)

// Handler receives inbound messages.
type Handler func(ctx context.Context, channel string, msg command.Message, user command.Invoker)

// Options configures the IRC connection.
type Options struct {
	Username string
	Token    string // with or without the "oauth:" prefix
	Channel  string
}

// Twitch allows 20 messages per 30 seconds for a non-moderator account.
const (
	sendBurst    = 20
	sendInterval = 30 * time.Second / sendBurst
	outboxSize   = 100
)

type outgoing struct {
	channel, parentID, text string
}

// Client is a single-channel chat connection. Outgoing messages are queued and
// paced under the Twitch send limit.
type Client struct {
	irc     *twitch.Client
	channel string
	outbox  chan outgoing
	limiter *rate.Limiter
	up      atomic.Bool

	wg sync.WaitGroup
}

func New(opts Options) *Client {
	return &Client{
		irc:     twitch.NewClient(strings.ToLower(opts.Username), ircToken(opts.Token)),
		channel: strings.ToLower(strings.TrimPrefix(opts.Channel, "#")),
		outbox:  make(chan outgoing, outboxSize),
		limiter: rate.NewLimiter(rate.Every(sendInterval), sendBurst),
	}
}

// Connected reports whether the IRC session is up.
func (c *Client) Connected() bool { return c.up.Load() }

func ircToken(tok string) string {
	if tok == "" || strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

// Channel returns the joined channel login.
func (c *Client) Channel() string { return c.channel }

// SetToken replaces the credentials used on the next (re)connect.
func (c *Client) SetToken(tok string) { c.irc.SetIRCToken(ircToken(tok)) }

// Say queues text for channel.
func (c *Client) Say(channel, text string) {
	c.enqueue(outgoing{channel: strings.TrimPrefix(channel, "#"), text: text})
}

// Reply queues text as a threaded reply to parentID, or a plain message when
// parentID is empty.
func (c *Client) Reply(channel, parentID, text string) {
	c.enqueue(outgoing{channel: strings.TrimPrefix(channel, "#"), parentID: parentID, text: text})
}

func (c *Client) enqueue(m outgoing) {
	if strings.TrimSpace(m.text) == "" {
		return
	}
	select {
	case c.outbox <- m:
	default:
		slog.Warn("chat outbox full, dropping message", slog.String("text", m.text), slog.String("component", "chat"))
	}
}

// send drains the outbox at the allowed rate until ctx is done.
func (c *Client) send(ctx context.Context, post func(outgoing)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.outbox:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			post(m)
		}
	}
}

func (c *Client) post(m outgoing) {
	if m.parentID == "" {
		c.irc.Say(m.channel, m.text)
		return
	}
	c.irc.Reply(m.channel, m.parentID, m.text)
}

// Run joins the channel and delivers messages to h until ctx is cancelled.
func (c *Client) Run(ctx context.Context, h Handler) error {
	c.irc.OnPrivateMessage(func(m twitch.PrivateMessage) {
		msg := command.Message{ID: m.ID, Text: m.Message}
		user := Invoker(m.User, m.RoomID)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			mctx := telemetry.WithCorrelation(ctx, uuid.NewString())
			h(mctx, m.Channel, msg, user)
		}()
	})
	c.irc.OnConnect(func() {
		c.up.Store(true)
		slog.Info("chat connected", slog.String("channel", c.channel), slog.String("component", "chat"))
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := c.irc.Disconnect(); err != nil {
				slog.Debug("chat disconnect", slog.Any("err", err), slog.String("component", "chat"))
			}
		case <-done:
		}
	}()
	defer close(done)

	sendCtx, stopSend := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(sendCtx, c.post)
	}()

	c.irc.Join(c.channel)
	err := c.irc.Connect()
	c.up.Store(false)
	stopSend()
	c.wg.Wait()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

// Invoker maps IRC badges to command roles. roomID is the channel owner's id.
func Invoker(u twitch.User, roomID string) command.Invoker {
	inv := command.Invoker{ID: u.ID, Login: u.Name, DisplayName: u.DisplayName}
	_, inv.Broadcaster = u.Badges["broadcaster"]
	if roomID != "" && u.ID == roomID {
		inv.Broadcaster = true
	}
	_, inv.Moderator = u.Badges["moderator"]
	_, inv.VIP = u.Badges["vip"]
	_, founder := u.Badges["founder"]
	_, sub := u.Badges["subscriber"]
	inv.Subscriber = sub || founder
	return inv
}
