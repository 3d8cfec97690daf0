package bot

import (
	"context"
	"log/slog"

	"github.com/onnwee/stream-copilot/gamble"
	"github.com/onnwee/stream-copilot/redeem"
	"github.com/onnwee/stream-copilot/ruler"
)

func (a *App) declareRedeems() {
	a.Router.Handle(a.cfg.RewardRuler, a.redeemClaim)
	a.Router.Handle(a.cfg.RewardSteal, a.redeemSteal)
	a.Router.Handle(a.cfg.RewardRefresh, a.redeemRefresh)
	a.Router.Handle(a.cfg.RewardCoinFlip, a.redeemCoinFlip)
}

func holderOf(r *redeem.Redemption) ruler.Holder {
	name := r.UserName
	if name == "" {
		name = r.UserLogin
	}
	return ruler.Holder{ID: r.UserID, Name: name}
}

// redeemClaim keeps the points for a correct answer and refunds a wrong one.
func (a *App) redeemClaim(ctx context.Context, r *redeem.Redemption) error {
	if a.Ruler.Attempt(ctx, holderOf(r), r.Input) {
		return r.Fulfill(ctx)
	}
	return r.Cancel(ctx)
}

func (a *App) redeemSteal(ctx context.Context, r *redeem.Redemption) error {
	a.Ruler.Steal(ctx, holderOf(r))
	return r.Fulfill(ctx)
}

func (a *App) redeemRefresh(ctx context.Context, r *redeem.Redemption) error {
	a.Ruler.ForceRefresh(ctx)
	return r.Fulfill(ctx)
}

// redeemCoinFlip plays a round. A rejected wager is refunded by the router.
func (a *App) redeemCoinFlip(ctx context.Context, r *redeem.Redemption) error {
	round, err := a.Gamble.Play(ctx, gamble.Player{ID: r.UserID, Name: holderOf(r).Name}, r.Input, r.Fulfill)
	if err != nil {
		return err
	}
	slog.Debug("coin flip settled", slog.String("user", r.UserLogin), slog.Bool("won", round.Won), slog.String("component", "bot"))
	a.saveOdds(context.WithoutCancel(ctx), round.OddsAfter)
	return nil
}
