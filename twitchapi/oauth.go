package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// DefaultScopes covers reward management, redemptions, chat and ad events.
var DefaultScopes = []string{
	"channel:manage:redemptions",
	"channel:read:redemptions",
	"channel:read:ads",
	"chat:read",
	"chat:edit",
}

// OAuthConfig builds the code-grant config for the broadcaster account. endpoint
// overrides the Twitch endpoint in tests.
func OAuthConfig(clientID, clientSecret, redirectURI string, scopes []string, endpoint *oauth2.Endpoint) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	ep := twitch.Endpoint
	if endpoint != nil {
		ep = *endpoint
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     ep,
	}
}

// ParseScopes splits a comma or space separated scope list.
func ParseScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// BuildAuthorizeURL returns the consent URL for the code grant.
func BuildAuthorizeURL(conf *oauth2.Config, state string) (string, error) {
	if conf.ClientID == "" || conf.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return conf.AuthCodeURL(state), nil
}

// TokenResult is the outcome of a code exchange or refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

func resultOf(tok *oauth2.Token) *TokenResult {
	res := &TokenResult{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if res.Expiry.IsZero() {
		res.Expiry = time.Now().Add(60 * time.Minute)
	}
	// Twitch returns scope as a JSON array.
	switch v := tok.Extra("scope").(type) {
	case string:
		res.Scope = v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		res.Scope = strings.Join(parts, " ")
	}
	return res
}

// ExchangeAuthCode trades an authorization code for tokens.
func ExchangeAuthCode(ctx context.Context, conf *oauth2.Config, code string) (*TokenResult, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return resultOf(tok), nil
}

// RefreshToken exchanges a refresh token for a new access token.
func RefreshToken(ctx context.Context, conf *oauth2.Config, refreshToken string) (*TokenResult, error) {
	if conf.ClientID == "" || conf.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An expired access token forces the source to hit the token endpoint.
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return resultOf(tok), nil
}
