package setting

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-signals/pkg/response"
)

var ErrInvalidSetting = errors.New("invalid setting")

// Service manages the base trading settings
type Service struct {
	db *Database
}

func NewService(db *Database) *Service {
	return &Service{db: db}
}

func (s *Service) GetDB() *Database {
	return s.db
}

func (s *Service) Get(ctx context.Context) (*BaseSetting, error) {
	return s.db.Get(ctx)
}

// Update validates operator changes before persisting them
func (s *Service) Update(ctx context.Context, changes Changes) (*BaseSetting, error) {
	if changes.BaseAmount != nil && *changes.BaseAmount <= 0 {
		return nil, fmt.Errorf("%w: base_amount must be positive", ErrInvalidSetting)
	}
	if changes.DailyProfitTarget != nil && *changes.DailyProfitTarget < 0 {
		return nil, fmt.Errorf("%w: daily_profit_target must not be negative", ErrInvalidSetting)
	}
	if changes.MaxLossPercent != nil && (*changes.MaxLossPercent < 0 || *changes.MaxLossPercent > 100) {
		return nil, fmt.Errorf("%w: max_loss_percent must be within 0..100", ErrInvalidSetting)
	}

	updated, err := s.db.Update(ctx, changes)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}

	log.Info().
		Float64("base_amount", updated.BaseAmount).
		Float64("daily_profit_target", updated.DailyProfitTarget).
		Float64("max_loss_percent", updated.MaxLossPercent).
		Msg("base settings updated")

	return updated, nil
}

// StopTrading sets the manual halt flag; running ladders are not interrupted.
func (s *Service) StopTrading(ctx context.Context) error {
	if err := s.db.SetManualStop(ctx, true); err != nil {
		return fmt.Errorf("failed to stop trading: %w", err)
	}
	log.Warn().Msg("trading stopped by operator")
	return nil
}

func (s *Service) ResumeTrading(ctx context.Context) error {
	if err := s.db.SetManualStop(ctx, false); err != nil {
		return fmt.Errorf("failed to resume trading: %w", err)
	}
	log.Info().Msg("trading resumed by operator")
	return nil
}

// GinHandlers contains HTTP handlers for settings endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := h.service.Get(c.Request.Context())
		response.Handle(c, settings, err)
	}
}

func (h *GinHandlers) UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var changes Changes
		if err := c.ShouldBindJSON(&changes); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		settings, err := h.service.Update(c.Request.Context(), changes)
		if errors.Is(err, ErrInvalidSetting) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, settings, err)
	}
}

func (h *GinHandlers) StopTradingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.StopTrading(c.Request.Context())
		response.Handle(c, gin.H{"manual_stop": true}, err)
	}
}

func (h *GinHandlers) ResumeTradingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.ResumeTrading(c.Request.Context())
		response.Handle(c, gin.H{"manual_stop": false}, err)
	}
}
