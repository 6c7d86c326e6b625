package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-signals/internal/signal"
	"github.com/ksred/klear-signals/pkg/response"
)

// Service copies terminal signals to the permanent results table and the
// results file
type Service struct {
	db     *Database
	export *CSVExporter
	now    func() time.Time
}

// NewService creates an archive service. export may be nil to skip the file.
func NewService(gormDB *gorm.DB, export *CSVExporter) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		export: export,
		now:    time.Now,
	}
}

func (s *Service) GetDB() *Database {
	return s.db
}

// Archive records a terminal signal. The table write is authoritative; a
// failure to append to the file is logged only.
func (s *Service) Archive(ctx context.Context, sig *signal.Signal, runID string) error {
	if !signal.IsTerminal(sig.Status) {
		return fmt.Errorf("cannot archive signal %d in status %s", sig.MessageID, sig.Status)
	}

	result := FromSignal(sig, runID, s.now())
	if err := s.db.Save(ctx, result); err != nil {
		return fmt.Errorf("failed to archive signal %d: %w", sig.MessageID, err)
	}

	if s.export != nil {
		if err := s.export.Append(result); err != nil {
			log.Error().
				Err(err).
				Int64("message_id", sig.MessageID).
				Msg("failed to append result to csv")
		}
	}

	log.Debug().
		Int64("message_id", sig.MessageID).
		Str("status", string(sig.Status)).
		Float64("total_profit", sig.TotalProfit).
		Msg("signal archived")

	return nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]TradeResult, error) {
	return s.db.List(ctx, filter)
}

// GinHandlers contains HTTP handlers for archive endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ListResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter Filter
		if err := c.ShouldBindQuery(&filter); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if filter.Status != "" && !filter.Status.Valid() {
			response.BadRequest(c, fmt.Sprintf("unknown status %q", filter.Status))
			return
		}

		results, err := h.service.List(c.Request.Context(), filter)
		response.Handle(c, results, err)
	}
}
