// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommandsTriggered *prometheus.CounterVec
	CommandErrors     *prometheus.CounterVec
	CooldownRejects   *prometheus.CounterVec
	Redemptions       *prometheus.CounterVec
	GambleRounds      *prometheus.CounterVec
	RafflePayouts     prometheus.Counter
	RulerHandoffs     *prometheus.CounterVec

	// Gauges
	HeadsOddsGauge   prometheus.Gauge
	RaffleOpenGauge  prometheus.Gauge // 1=open,0=closed
	EventSubUpGauge  prometheus.Gauge
	SoundClientGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_commands_triggered_total", Help: "Commands whose action was invoked"}, []string{"command"})
		CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_command_errors_total", Help: "Command actions that returned an error or panicked"}, []string{"command"})
		CooldownRejects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_cooldown_rejections_total", Help: "Command triggers rejected by a cooldown"}, []string{"scope"})
		Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_redemptions_total", Help: "Channel point redemptions handled, by outcome"}, []string{"reward", "status"})
		GambleRounds = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_gamble_rounds_total", Help: "Coin flip rounds resolved, by result"}, []string{"result"})
		RafflePayouts = promauto.NewCounter(prometheus.CounterOpts{Name: "copilot_raffle_credits_paid_total", Help: "Credits paid out by the raffle"})
		RulerHandoffs = promauto.NewCounterVec(prometheus.CounterOpts{Name: "copilot_ruler_handoffs_total", Help: "Crown transfers, by cause"}, []string{"cause"})
		HeadsOddsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "copilot_gamble_heads_odds", Help: "Current probability of a coin landing heads"})
		RaffleOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "copilot_raffle_open", Help: "Raffle open=1 closed=0"})
		EventSubUpGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "copilot_eventsub_connected", Help: "EventSub websocket connected=1"})
		SoundClientGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "copilot_sound_clients", Help: "Connected sound/overlay websocket clients"})
	})
}

// CommandTriggered counts an invoked command.
func CommandTriggered(command string) {
	if CommandsTriggered != nil {
		CommandsTriggered.WithLabelValues(command).Inc()
	}
}

// CommandFailed counts a failed command action.
func CommandFailed(command string) {
	if CommandErrors != nil {
		CommandErrors.WithLabelValues(command).Inc()
	}
}

// CooldownRejected counts a cooldown rejection; scope is "user" or "global".
func CooldownRejected(scope string) {
	if CooldownRejects != nil {
		CooldownRejects.WithLabelValues(scope).Inc()
	}
}

// RedemptionHandled counts a redemption by reward title and final status.
func RedemptionHandled(reward, status string) {
	if Redemptions != nil {
		Redemptions.WithLabelValues(reward, status).Inc()
	}
}

// GambleResolved records a coin flip result and the odds after drift.
func GambleResolved(result string, headsOdds float64) {
	if GambleRounds != nil {
		GambleRounds.WithLabelValues(result).Inc()
	}
	SetHeadsOdds(headsOdds)
}

func SetHeadsOdds(p float64) {
	if HeadsOddsGauge != nil {
		HeadsOddsGauge.Set(p)
	}
}

func RafflePaid(amount int) {
	if RafflePayouts != nil && amount > 0 {
		RafflePayouts.Add(float64(amount))
	}
}

func SetRaffleOpen(open bool) { setBool(RaffleOpenGauge, open) }

func SetEventSubConnected(up bool) { setBool(EventSubUpGauge, up) }

func SetSoundClients(n int) {
	if SoundClientGauge != nil {
		SoundClientGauge.Set(float64(n))
	}
}

// RulerHandoff counts a crown transfer; cause is "claim", "steal" or "give".
func RulerHandoff(cause string) {
	if RulerHandoffs != nil {
		RulerHandoffs.WithLabelValues(cause).Inc()
	}
}

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
