// Package leaderboard talks to the value-tracking service that stores per-user
// leaderboard values such as credit balances and crown hold time.
//
// The service is a small PHP endpoint pair:
//
//	GET <base>/value-tracking/private/api/getValue.php?id=<user>&which=<key>
//	GET <base>/value-tracking/private/api/updateValue.php?id=<user>&which=<key>&value=<delta>&default=<n>
//
// getValue answers with the bare number (empty or "null" when unknown); updateValue
// answers "OK" on success and an error string otherwise.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrNotFound is returned by Value when the user has no value for the key.
var ErrNotFound = errors.New("leaderboard value not found")

const (
	getPath    = "/value-tracking/private/api/getValue.php"
	updatePath = "/value-tracking/private/api/updateValue.php"
)

// Client is a leaderboard HTTP client. Requests go through a circuit breaker
// so a dead service fails fast instead of stalling every chat command.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	cb *gobreaker.CircuitBreaker
}

// New returns a client with a bounded default timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		cb:         newBreaker(30 * time.Second),
	}
}

func newBreaker(cooloff time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "leaderboard",
		MaxRequests: 1,
		Timeout:     cooloff,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()), slog.String("component", "leaderboard"))
		},
	})
}

// State reports the breaker state ("closed", "half-open" or "open").
func (c *Client) State() string {
	if c.cb == nil {
		return gobreaker.StateClosed.String()
	}
	return c.cb.State().String()
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Value returns the user's value for key, floored to an integer.
func (c *Client) Value(ctx context.Context, userID, key string) (int, error) {
	body, err := c.get(ctx, getPath, url.Values{"id": {userID}, "which": {key}})
	if err != nil {
		return 0, err
	}
	if body == "" || strings.EqualFold(body, "null") {
		return 0, ErrNotFound
	}
	f, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, fmt.Errorf("leaderboard value %q: %w", body, err)
	}
	return int(math.Floor(f)), nil
}

// Add adds delta (which may be negative) to the user's value for key. A missing
// value starts at def.
func (c *Client) Add(ctx context.Context, userID, key string, delta, def int) error {
	body, err := c.get(ctx, updatePath, url.Values{
		"id":      {userID},
		"which":   {key},
		"value":   {strconv.Itoa(delta)},
		"default": {strconv.Itoa(def)},
	})
	if err != nil {
		return err
	}
	if body != "OK" {
		return fmt.Errorf("leaderboard update rejected: %s", body)
	}
	slog.Debug("leaderboard updated", slog.String("user_id", userID), slog.String("key", key), slog.Int("delta", delta), slog.String("component", "leaderboard"))
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (string, error) {
	if c.BaseURL == "" {
		return "", errors.New("leaderboard base url not configured")
	}
	if c.cb == nil {
		return c.fetch(ctx, path, q)
	}
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, path, q)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("leaderboard %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(string(b)), nil
}
