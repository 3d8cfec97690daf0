// Package twitchapi wraps the Twitch Helix API for channel-point reward management,
// redemption status and user lookup, and runs the EventSub websocket session that
// delivers redemptions and stream lifecycle events.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/stream-copilot/redeem"
)

const defaultHelixURL = "https://api.twitch.tv/helix"

// User is a resolved Twitch account.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// HelixOptions configures a Helix client acting as the broadcaster.
type HelixOptions struct {
	ClientID      string
	ClientSecret  string
	UserToken     string
	RefreshToken  string
	BroadcasterID string
	BaseURL       string // defaults to the public Helix endpoint
	HTTPClient    *http.Client
}

// Helix performs broadcaster-scoped API calls.
type Helix struct {
	api           *helix.Client
	clientID      string
	baseURL       string
	broadcasterID string
	hc            *http.Client

	mu    sync.RWMutex
	token string
}

func NewHelix(opts HelixOptions) (*Helix, error) {
	if opts.ClientID == "" {
		return nil, errors.New("twitch client id required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultHelixURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	api, err := helix.NewClient(&helix.Options{
		ClientID:        opts.ClientID,
		ClientSecret:    opts.ClientSecret,
		UserAccessToken: opts.UserToken,
		RefreshToken:    opts.RefreshToken,
		APIBaseURL:      base,
		HTTPClient:      hc,
	})
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}
	return &Helix{api: api, clientID: opts.ClientID, baseURL: base, broadcasterID: opts.BroadcasterID, hc: hc, token: opts.UserToken}, nil
}

// SetUserToken swaps the access token after a refresh.
func (h *Helix) SetUserToken(tok string) {
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
	h.api.SetUserAccessToken(tok)
}

func (h *Helix) userToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// BroadcasterID returns the channel the client manages.
func (h *Helix) BroadcasterID() string { return h.broadcasterID }

// SetBroadcasterID sets the managed channel, typically after ResolveUser.
func (h *Helix) SetBroadcasterID(id string) { h.broadcasterID = id }

// ResolveUser looks up an account by login. A leading @ is ignored. ok is false
// when no such user exists.
func (h *Helix) ResolveUser(_ context.Context, handle string) (User, bool, error) {
	login := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if login == "" {
		return User{}, false, nil
	}
	resp, err := h.api.GetUsers(&helix.UsersParams{Logins: []string{login}})
	if err != nil {
		return User{}, false, fmt.Errorf("get users: %w", err)
	}
	if err := statusErr("get users", resp.ResponseCommon); err != nil {
		return User{}, false, err
	}
	if len(resp.Data.Users) == 0 {
		return User{}, false, nil
	}
	u := resp.Data.Users[0]
	return User{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName}, true, nil
}

// ChannelCategory returns the broadcaster's current category (game) name.
func (h *Helix) ChannelCategory(_ context.Context) (string, error) {
	resp, err := h.api.GetChannelInformation(&helix.GetChannelInformationParams{BroadcasterIDs: []string{h.broadcasterID}})
	if err != nil {
		return "", fmt.Errorf("get channel information: %w", err)
	}
	if err := statusErr("get channel information", resp.ResponseCommon); err != nil {
		return "", err
	}
	if len(resp.Data.Channels) == 0 {
		return "", fmt.Errorf("get channel information: no channel %s", h.broadcasterID)
	}
	return resp.Data.Channels[0].GameName, nil
}

// ListRewards returns the rewards the bot's client id can manage.
func (h *Helix) ListRewards(_ context.Context) ([]redeem.Reward, error) {
	resp, err := h.api.GetCustomRewards(&helix.GetCustomRewardsParams{
		BroadcasterID:         h.broadcasterID,
		OnlyManageableRewards: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get custom rewards: %w", err)
	}
	if err := statusErr("get custom rewards", resp.ResponseCommon); err != nil {
		return nil, err
	}
	out := make([]redeem.Reward, 0, len(resp.Data.ChannelCustomRewards))
	for _, r := range resp.Data.ChannelCustomRewards {
		out = append(out, rewardFromHelix(r))
	}
	return out, nil
}

// UpdateReward writes the full reward state. It bypasses the helix wrapper so
// false booleans are always sent.
func (h *Helix) UpdateReward(ctx context.Context, r redeem.Reward) error {
	body := map[string]any{
		"title":                                 r.Title,
		"prompt":                                r.Prompt,
		"cost":                                  r.Cost,
		"is_enabled":                            r.Enabled,
		"is_paused":                             r.Paused,
		"is_user_input_required":                r.UserInputRequired,
		"should_redemptions_skip_request_queue": r.AutoFulfill,
		"is_global_cooldown_enabled":            r.CooldownSeconds > 0,
		"global_cooldown_seconds":               r.CooldownSeconds,
		"is_max_per_stream_enabled":             r.MaxPerStream > 0,
		"max_per_stream":                        r.MaxPerStream,
		"is_max_per_user_per_stream_enabled":    r.MaxPerUserPerStream > 0,
		"max_per_user_per_stream":               r.MaxPerUserPerStream,
	}
	q := url.Values{"broadcaster_id": {h.broadcasterID}, "id": {r.ID}}
	return h.do(ctx, http.MethodPatch, "/channel_points/custom_rewards?"+q.Encode(), body, http.StatusOK, "update custom reward "+r.Title)
}

// SetRedemptionStatus fulfills or cancels (refunds) a redemption.
func (h *Helix) SetRedemptionStatus(_ context.Context, rewardID, redemptionID string, status redeem.Status) error {
	resp, err := h.api.UpdateChannelCustomRewardsRedemptionStatus(&helix.UpdateChannelCustomRewardsRedemptionStatusParams{
		ID:            redemptionID,
		BroadcasterID: h.broadcasterID,
		RewardID:      rewardID,
		Status:        string(status),
	})
	if err != nil {
		return fmt.Errorf("update redemption status: %w", err)
	}
	return statusErr("update redemption status", resp.ResponseCommon)
}

// Subscription is an EventSub subscription request for a websocket session.
type Subscription struct {
	Type      string
	Version   string
	Condition map[string]string
}

// Subscribe creates a websocket-transport EventSub subscription. Conditions
// keyed by broadcaster_user_id go through helix; others are posted directly.
func (h *Helix) Subscribe(ctx context.Context, sessionID string, s Subscription) error {
	if id, ok := s.Condition["broadcaster_user_id"]; ok && len(s.Condition) == 1 {
		resp, err := h.api.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:      s.Type,
			Version:   s.Version,
			Condition: helix.EventSubCondition{BroadcasterUserID: id},
			Transport: helix.EventSubTransport{Method: "websocket", SessionID: sessionID},
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.Type, err)
		}
		return statusErr("subscribe "+s.Type, resp.ResponseCommon)
	}
	return h.subscribeRaw(ctx, sessionID, s)
}

func (h *Helix) subscribeRaw(ctx context.Context, sessionID string, s Subscription) error {
	body := map[string]any{
		"type":      s.Type,
		"version":   s.Version,
		"condition": s.Condition,
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	return h.do(ctx, http.MethodPost, "/eventsub/subscriptions", body, http.StatusAccepted, "subscribe "+s.Type)
}

// do sends a JSON request with the broadcaster token and checks the status.
func (h *Helix) do(ctx context.Context, method, path string, body any, want int, op string) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", h.clientID)
	req.Header.Set("Authorization", "Bearer "+h.userToken())
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func statusErr(op string, rc helix.ResponseCommon) error {
	if rc.StatusCode >= 300 {
		return fmt.Errorf("%s: %d %s", op, rc.StatusCode, rc.ErrorMessage)
	}
	return nil
}

func rewardFromHelix(r helix.ChannelCustomReward) redeem.Reward {
	out := redeem.Reward{
		ID:                r.ID,
		Title:             r.Title,
		Prompt:            r.Prompt,
		Cost:              r.Cost,
		Enabled:           r.IsEnabled,
		Paused:            r.IsPaused,
		UserInputRequired: r.IsUserInputRequired,
		AutoFulfill:       r.ShouldRedemptionsSkipRequestQueue,
	}
	if r.GlobalCooldownSetting.IsEnabled {
		out.CooldownSeconds = r.GlobalCooldownSetting.GlobalCooldownSeconds
	}
	if r.MaxPerStreamSetting.IsEnabled {
		out.MaxPerStream = r.MaxPerStreamSetting.MaxPerStream
	}
	if r.MaxPerUserPerStreamSetting.IsEnabled {
		out.MaxPerUserPerStream = r.MaxPerUserPerStreamSetting.MaxPerUserPerStream
	}
	return out
}
