package report

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs the daily summary on a cron schedule with a seconds field.
type Scheduler struct {
	cron    *cron.Cron
	builder *Builder
	now     func() time.Time
	baseCtx context.Context

	// Published receives every summary the scheduler builds.
	Published func(Summary)
}

func NewScheduler(baseCtx context.Context, builder *Builder, now func() time.Time) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		builder: builder,
		now:     now,
		baseCtx: baseCtx,
	}
}

// Add registers the report at spec, e.g. "0 59 23 * * *".
func (s *Scheduler) Add(spec string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		s.Run(s.baseCtx)
	})
}

// Run builds and logs one summary.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.With().Str("component", "report").Logger()

	summary, err := s.builder.Build(ctx, s.now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to build daily report")
		return
	}

	event := logger.Info().
		Str("day", summary.Day).
		Int("signals", summary.Total).
		Int("wins", summary.Wins).
		Int("losses", summary.Losses).
		Float64("win_rate", summary.WinRate).
		Float64("total_staked", summary.TotalStaked).
		Float64("total_profit", summary.TotalProfit).
		Bool("trading_allowed", summary.Risk.TradingAllowed)
	for status, n := range summary.ByStatus {
		event = event.Int(string(status), n)
	}
	event.Msg("daily report")

	if s.Published != nil {
		s.Published(summary)
	}
}

func (s *Scheduler) Start() {
	log.Info().Str("component", "report").Msg("report scheduler started")
	s.cron.Start()
}

// Stop waits for a running report to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Str("component", "report").Msg("report scheduler stopped")
}
