package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-copilot/telemetry"
)

// Status is a redemption fulfillment status.
type Status string

const (
	StatusFulfilled Status = "FULFILLED"
	StatusCanceled  Status = "CANCELED"
)

// StatusAPI marks a queued redemption fulfilled or canceled (refunded).
type StatusAPI interface {
	SetRedemptionStatus(ctx context.Context, rewardID, redemptionID string, status Status) error
}

// Redemption is one reward claim delivered by the platform event stream.
type Redemption struct {
	ID          string
	RewardID    string
	RewardTitle string
	UserID      string
	UserLogin   string
	UserName    string
	Input       string
	RedeemedAt  time.Time

	api         StatusAPI
	autoFulfill bool

	mu     sync.Mutex
	status Status
}

// Fulfill marks the redemption fulfilled. Only the first Fulfill or Cancel takes effect.
func (r *Redemption) Fulfill(ctx context.Context) error { return r.resolve(ctx, StatusFulfilled) }

// Cancel refunds the redemption. Only the first Fulfill or Cancel takes effect.
func (r *Redemption) Cancel(ctx context.Context) error { return r.resolve(ctx, StatusCanceled) }

// Status returns the resolved status, or "" while unresolved.
func (r *Redemption) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Redemption) resolve(ctx context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "" {
		return nil
	}
	r.status = s
	// auto-fulfilled rewards never enter the queue; the platform rejects updates
	if r.autoFulfill || r.api == nil {
		return nil
	}
	return r.api.SetRedemptionStatus(ctx, r.RewardID, r.ID, s)
}

// Handler processes one redemption.
type Handler func(ctx context.Context, r *Redemption) error

// Router maps reward ids to handlers. Handlers are declared by reward title and
// bound to ids once the catalog is loaded, so a renamed reward fails at startup.
type Router struct {
	registry *Registry
	api      StatusAPI

	mu       sync.RWMutex
	byTitle  map[string]Handler
	handlers map[string]Handler
}

func NewRouter(reg *Registry, api StatusAPI) *Router {
	return &Router{registry: reg, api: api, byTitle: make(map[string]Handler), handlers: make(map[string]Handler)}
}

// Handle declares a handler for the reward with the given title.
func (rt *Router) Handle(title string, h Handler) {
	rt.mu.Lock()
	rt.byTitle[title] = h
	rt.mu.Unlock()
}

// Bind resolves every declared title to a reward id, replacing the previous
// bindings. It binds what it can and returns an error naming every title missing
// from the catalog.
func (rt *Router) Bind() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var missing []string
	handlers := make(map[string]Handler, len(rt.byTitle))
	for title, h := range rt.byTitle {
		rw, err := rt.registry.ByName(title)
		if err != nil {
			missing = append(missing, title)
			continue
		}
		handlers[rw.ID] = h
	}
	rt.handlers = handlers
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrRedeemNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// Dispatch runs the handler bound to the redemption's reward id. A handler error
// refunds the redemption if it was not already resolved.
func (rt *Router) Dispatch(ctx context.Context, r *Redemption) {
	ctx, span := telemetry.StartSpan(ctx, "redeem", "Dispatch",
		attribute.String("reward", r.RewardTitle), attribute.String("user", r.UserLogin))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "redeem"), slog.String("reward", r.RewardTitle), slog.String("user", r.UserLogin))

	rt.mu.RLock()
	h, ok := rt.handlers[r.RewardID]
	rt.mu.RUnlock()
	if !ok {
		log.Debug("no handler for reward", slog.String("reward_id", r.RewardID))
		return
	}
	r.api = rt.api
	if rw, ok := rt.registry.ByID(r.RewardID); ok {
		r.autoFulfill = rw.AutoFulfill
	}

	log.Info("reward redeemed")
	err := h(ctx, r)
	if err != nil {
		telemetry.RecordError(span, err)
		log.Error("redemption handler failed", slog.Any("err", err))
		if cerr := r.Cancel(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			log.Warn("refund failed", slog.Any("err", cerr))
		}
	}
	status := string(r.Status())
	if status == "" {
		status = "unresolved"
	}
	telemetry.RedemptionHandled(r.RewardTitle, status)
}
