// Package risk decides whether new ladders may start.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-signals/internal/setting"
	"github.com/ksred/klear-signals/pkg/response"
)

// Snapshot is the breaker state at one instant.
type Snapshot struct {
	TodayProfit        float64 `json:"today_profit"`
	DailyProfitTarget  float64 `json:"daily_profit_target"`
	MaxLossPercent     float64 `json:"max_loss_percent"`
	MaxLossAmount      float64 `json:"max_loss_amount"`
	BalanceReference   float64 `json:"balance_reference"`
	CurrentBalance     float64 `json:"current_balance"`
	CurrentLossPercent float64 `json:"current_loss_percent"`

	ManualStop       bool `json:"manual_stop"`
	TargetReached    bool `json:"target_reached"`
	LossLimitReached bool `json:"loss_limit_reached"`
	BalanceDepleted  bool `json:"balance_depleted"`

	ShouldStop     bool   `json:"should_stop"`
	TradingAllowed bool   `json:"trading_allowed"`
	Reason         string `json:"reason,omitempty"`
}

// Evaluate applies the stop conditions to the current settings and today's
// realized profit. A profit of exactly zero trips neither the target nor the
// loss limit.
func Evaluate(s setting.BaseSetting, todayProfit float64) Snapshot {
	maxLoss := decimal.NewFromFloat(s.MaxLossPercent).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(s.BalanceReference))

	snap := Snapshot{
		TodayProfit:       todayProfit,
		DailyProfitTarget: s.DailyProfitTarget,
		MaxLossPercent:    s.MaxLossPercent,
		MaxLossAmount:     maxLoss.Round(2).InexactFloat64(),
		BalanceReference:  s.BalanceReference,
		CurrentBalance:    s.CurrentBalance,
		ManualStop:        s.ManualStop,
	}

	if todayProfit < 0 && s.BalanceReference > 0 {
		snap.CurrentLossPercent = decimal.NewFromFloat(-todayProfit).
			Div(decimal.NewFromFloat(s.BalanceReference)).
			Mul(decimal.NewFromInt(100)).
			Round(2).
			InexactFloat64()
	}

	snap.TargetReached = todayProfit > 0 && todayProfit >= s.DailyProfitTarget
	snap.LossLimitReached = todayProfit < 0 && decimal.NewFromFloat(-todayProfit).GreaterThanOrEqual(maxLoss)
	snap.BalanceDepleted = s.CurrentBalance <= 0

	var reasons []string
	if snap.ManualStop {
		reasons = append(reasons, "manual stop engaged")
	}
	if snap.TargetReached {
		reasons = append(reasons, fmt.Sprintf("daily profit target reached (%.2f >= %.2f)", todayProfit, s.DailyProfitTarget))
	}
	if snap.LossLimitReached {
		reasons = append(reasons, fmt.Sprintf("daily loss limit reached (%.2f%% of %.2f)", snap.CurrentLossPercent, s.BalanceReference))
	}
	if snap.BalanceDepleted {
		reasons = append(reasons, fmt.Sprintf("balance depleted (%.2f)", s.CurrentBalance))
	}

	snap.ShouldStop = len(reasons) > 0
	snap.TradingAllowed = !snap.ShouldStop
	if snap.ShouldStop {
		snap.Reason = reasons[0]
	}
	return snap
}

// Conditions lists every tripped condition, most significant first.
func (s Snapshot) Conditions() string {
	var out []string
	if s.ManualStop {
		out = append(out, "manual_stop")
	}
	if s.TargetReached {
		out = append(out, "target_reached")
	}
	if s.LossLimitReached {
		out = append(out, "loss_limit_reached")
	}
	if s.BalanceDepleted {
		out = append(out, "balance_depleted")
	}
	return strings.Join(out, ",")
}

// ProfitSource reports the realized profit of a day.
type ProfitSource interface {
	RealizedProfit(ctx context.Context, day time.Time) (float64, error)
}

// SettingSource reports the current base settings.
type SettingSource interface {
	Get(ctx context.Context) (*setting.BaseSetting, error)
}

// Breaker loads breaker inputs from the store.
type Breaker struct {
	profits  ProfitSource
	settings SettingSource
}

func NewBreaker(profits ProfitSource, settings SettingSource) *Breaker {
	return &Breaker{
		profits:  profits,
		settings: settings,
	}
}

// Check evaluates the breaker for day.
func (b *Breaker) Check(ctx context.Context, day time.Time) (Snapshot, error) {
	current, err := b.settings.Get(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load base setting: %w", err)
	}
	profit, err := b.profits.RealizedProfit(ctx, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load realized profit: %w", err)
	}
	return Evaluate(*current, profit), nil
}

// GinHandlers exposes the breaker state to operators
type GinHandlers struct {
	breaker *Breaker
	now     func() time.Time
}

func NewGinHandlers(breaker *Breaker, now func() time.Time) *GinHandlers {
	if now == nil {
		now = time.Now
	}
	return &GinHandlers{
		breaker: breaker,
		now:     now,
	}
}

func (h *GinHandlers) TradingStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.breaker.Check(c.Request.Context(), h.now())
		response.Handle(c, snap, err)
	}
}
