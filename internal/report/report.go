// Package report summarizes the day's signals.
package report

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-signals/internal/risk"
	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/pkg/response"
)

type Summary struct {
	Day         string                `json:"day"`
	Total       int                   `json:"total"`
	ByStatus    map[signal.Status]int `json:"by_status"`
	Wins        int                   `json:"wins"`
	Losses      int                   `json:"losses"`
	WinRate     float64               `json:"win_rate"`
	TotalStaked float64               `json:"total_staked"`
	TotalProfit float64               `json:"total_profit"`
	Risk        risk.Snapshot         `json:"risk"`
}

// Summarize counts the day's signals per status. Wins and losses only come
// from completed signals; the win rate is a percentage of those.
func Summarize(day time.Time, signals []signal.Signal, snapshot risk.Snapshot) Summary {
	s := Summary{
		Day:      day.Format("2006-01-02"),
		Total:    len(signals),
		ByStatus: make(map[signal.Status]int),
		Risk:     snapshot,
	}

	staked := decimal.Zero
	profit := decimal.Zero
	for _, sig := range signals {
		s.ByStatus[sig.Status]++
		staked = staked.Add(decimal.NewFromFloat(sig.TotalStaked))
		if sig.Status != signal.StatusCompleted {
			continue
		}
		profit = profit.Add(decimal.NewFromFloat(sig.TotalProfit))
		switch sig.TradingResult {
		case "win":
			s.Wins++
		case "loss":
			s.Losses++
		}
	}

	s.TotalStaked, _ = staked.Round(2).Float64()
	s.TotalProfit, _ = profit.Round(2).Float64()
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate, _ = decimal.NewFromInt(int64(s.Wins)).
			Div(decimal.NewFromInt(int64(decided))).
			Mul(decimal.NewFromInt(100)).
			Round(2).
			Float64()
	}
	return s
}

type SignalSource interface {
	ListToday(ctx context.Context, day time.Time) ([]signal.Signal, error)
}

type Breaker interface {
	Check(ctx context.Context, day time.Time) (risk.Snapshot, error)
}

// Builder assembles a Summary from the live stores.
type Builder struct {
	signals SignalSource
	breaker Breaker
}

func NewBuilder(signals SignalSource, breaker Breaker) *Builder {
	return &Builder{signals: signals, breaker: breaker}
}

func (b *Builder) Build(ctx context.Context, day time.Time) (Summary, error) {
	signals, err := b.signals.ListToday(ctx, day)
	if err != nil {
		return Summary{}, err
	}
	snapshot, err := b.breaker.Check(ctx, day)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(day, signals, snapshot), nil
}

type GinHandlers struct {
	builder *Builder
	now     func() time.Time
}

func NewGinHandlers(builder *Builder, now func() time.Time) *GinHandlers {
	if now == nil {
		now = time.Now
	}
	return &GinHandlers{builder: builder, now: now}
}

// TodayReportHandler returns the summary the scheduler would log right now.
func (h *GinHandlers) TodayReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.builder.Build(c.Request.Context(), h.now())
		response.Handle(c, summary, err)
	}
}
