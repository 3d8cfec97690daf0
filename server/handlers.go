package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-copilot/raffle"
	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/ruler"
	"github.com/onnwee/stream-copilot/twitchapi"
)

// Admin is the slice of the bot the admin endpoints drive.
type Admin interface {
	StartRaffle(ctx context.Context) bool
	EndRaffle(ctx context.Context) (raffle.Result, error)
	CancelRaffle(ctx context.Context) bool
	RefreshRuler(ctx context.Context)
	State(ctx context.Context) State
	Rewards(ctx context.Context) ([]redeem.Reward, error)
}

// State is the admin status document.
type State struct {
	Ruler        ruler.Snapshot `json:"ruler"`
	Raffle       RaffleState    `json:"raffle"`
	HeadsOdds    float64        `json:"heads_odds"`
	SoundClients int            `json:"sound_clients"`
	Leaderboard  string         `json:"leaderboard_breaker"`
	Users        int            `json:"users_seen"`
}

type RaffleState struct {
	Open     bool `json:"open"`
	Entrants int  `json:"entrants"`
	Pool     int  `json:"pool"`
}

// Deps are the collaborators NewMux wires into routes. Nil fields disable the
// routes that need them.
type Deps struct {
	DB         *sql.DB
	Overlay    http.Handler
	Admin      Admin
	AdminToken string
	OAuth      *oauth2.Config
	Sessions   sessions.Store
	// OnToken receives a freshly authorized broadcaster token after it is stored.
	OnToken func(ctx context.Context, tok *twitchapi.TokenResult)
	// Ready adds bot-level readiness checks (chat connected, rewards synced).
	Ready func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}
