package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	dbpkg "github.com/onnwee/stream-copilot/db"
	"github.com/onnwee/stream-copilot/twitchapi"
)

const oauthSession = "copilot_oauth"

// HandleTwitchOAuthStart redirects the broadcaster to Twitch's consent page. The
// state lives in a signed short-lived cookie.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.OAuth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)

	sess, _ := h.deps.Sessions.New(r, oauthSession)
	sess.Values["state"] = st
	sess.Options.MaxAge = 600
	sess.Options.HttpOnly = true
	sess.Options.SameSite = http.SameSiteLaxMode
	if err := sess.Save(r, w); err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}

	authURL, err := twitchapi.BuildAuthorizeURL(h.deps.OAuth, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback checks state, exchanges the code, stores the token
// and hands it to the running clients.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	sess, err := h.deps.Sessions.Get(r, oauthSession)
	want, _ := sess.Values["state"].(string)
	if err != nil || want == "" || want != st {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	sess.Options.MaxAge = -1
	_ = sess.Save(r, w)

	ctx := r.Context()
	res, err := twitchapi.ExchangeAuthCode(ctx, h.deps.OAuth, code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if h.deps.DB != nil {
		if err := dbpkg.UpsertOAuthToken(ctx, h.deps.DB, "twitch", res.AccessToken, res.RefreshToken, res.Expiry, res.Scope); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if h.deps.OnToken != nil {
		h.deps.OnToken(ctx, res)
	}
	slog.Info("broadcaster token authorized", slog.String("scope", res.Scope), slog.String("component", "oauth"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": strings.Fields(res.Scope), "expiry": res.Expiry})
}
