package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-signals/internal/setting"
	"github.com/ksred/klear-signals/internal/timing"
	"github.com/ksred/klear-signals/pkg/response"
)

// ErrInvalidSignal is returned for ingestion or edit payloads that fail validation.
var ErrInvalidSignal = errors.New("invalid signal")

// Service handles signal ingestion and administrative edits
type Service struct {
	db            *Database
	settings      *setting.Database
	clock         timing.Clock
	defaultLevels int
}

// NewService creates a signal service over the shared store
func NewService(gormDB *gorm.DB, settings *setting.Database, clock timing.Clock, defaultLevels int) *Service {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Service{
		db:            NewDatabase(gormDB),
		settings:      settings,
		clock:         clock,
		defaultLevels: defaultLevels,
	}
}

// GetDB exposes the store to the dispatcher and workers
func (s *Service) GetDB() *Database {
	return s.db
}

// NewSignal is the ingestion payload written by signal producers.
type NewSignal struct {
	MessageID        int64      `json:"message_id" binding:"required"`
	ChannelType      string     `json:"channel_type"`
	ReceivedAt       *time.Time `json:"received_at"`
	Pair             string     `json:"pair" binding:"required"`
	IsOTC            *bool      `json:"is_otc"`
	Direction        Direction  `json:"direction" binding:"required"`
	TradeDuration    Duration   `json:"trade_duration" binding:"required"`
	EntryTime        string     `json:"entry_time" binding:"required"`
	BaseAmount       float64    `json:"base_amount"`
	MartingaleLevels *int       `json:"martingale_levels"`
	RawText          string     `json:"raw_text"`
}

// Ingest stores a new signal. Its status is decided at creation: pending when
// the entry time is still ahead, expired otherwise.
func (s *Service) Ingest(ctx context.Context, in NewSignal) (*Signal, error) {
	logger := log.With().
		Int64("message_id", in.MessageID).
		Str("service", "signal").
		Logger()

	now := s.clock.Now()
	receivedAt := now
	if in.ReceivedAt != nil {
		receivedAt = in.ReceivedAt.In(now.Location())
	}

	if !in.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidSignal, in.Direction)
	}
	duration, err := in.TradeDuration.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	entryAt, err := timing.ParseClock(receivedAt, in.EntryTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	levels := s.defaultLevels
	if in.MartingaleLevels != nil {
		levels = *in.MartingaleLevels
	}
	if levels < 0 {
		return nil, fmt.Errorf("%w: martingale_levels %d", ErrInvalidSignal, levels)
	}

	base := in.BaseAmount
	if base <= 0 && s.settings != nil {
		current, err := s.settings.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load base setting: %w", err)
		}
		base = current.BaseAmount
	}
	if base <= 0 {
		return nil, fmt.Errorf("%w: base_amount must be positive", ErrInvalidSignal)
	}

	isOTC := strings.Contains(strings.ToLower(in.Pair), "otc")
	if in.IsOTC != nil {
		isOTC = *in.IsOTC
	}

	status := StatusPending
	if !entryAt.After(now) {
		status = StatusExpired
	}

	signal := &Signal{
		MessageID:        in.MessageID,
		ChannelType:      in.ChannelType,
		ReceivedAt:       receivedAt,
		Pair:             strings.TrimSpace(in.Pair),
		IsOTC:            isOTC,
		Direction:        in.Direction,
		TradeDuration:    in.TradeDuration,
		EntryTime:        timing.FormatClock(entryAt),
		MartingaleTimes:  GenerateMartingaleTimes(entryAt, duration, levels),
		BaseAmount:       base,
		MartingaleLevels: levels,
		Status:           status,
		RawText:          in.RawText,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.db.Create(ctx, signal); err != nil {
		logger.Error().Err(err).Msg("failed to store signal")
		return nil, fmt.Errorf("failed to store signal: %w", err)
	}

	logger.Info().
		Str("pair", signal.Pair).
		Str("direction", string(signal.Direction)).
		Str("entry_time", signal.EntryTime).
		Str("status", string(signal.Status)).
		Msg("signal ingested")

	return signal, nil
}

// Patch is the fixed set of fields an operator may change on a live signal.
type Patch struct {
	EntryTime         *string    `json:"entry_time"`
	BaseAmount        *float64   `json:"base_amount"`
	MartingaleAmounts []float64  `json:"martingale_amounts"`
	MartingaleLevels  *int       `json:"martingale_levels"`
	Direction         *Direction `json:"direction"`
	TradeDuration     *Duration  `json:"trade_duration"`
}

// Update validates and applies an operator edit. Changing the entry time of
// a signal regenerates its martingale schedule.
func (s *Service) Update(ctx context.Context, messageID int64, patch Patch) (*Signal, error) {
	current, err := s.db.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(current.Status) {
		return nil, fmt.Errorf("%w: %d is %s", ErrTerminal, messageID, current.Status)
	}

	updates := map[string]interface{}{}

	duration, err := current.TradeDuration.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if patch.TradeDuration != nil {
		if duration, err = patch.TradeDuration.Parse(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		updates["trade_duration"] = *patch.TradeDuration
	}
	if patch.Direction != nil {
		if !patch.Direction.Valid() {
			return nil, fmt.Errorf("%w: direction %q", ErrInvalidSignal, *patch.Direction)
		}
		updates["direction"] = *patch.Direction
	}
	if patch.BaseAmount != nil {
		if *patch.BaseAmount <= 0 {
			return nil, fmt.Errorf("%w: base_amount must be positive", ErrInvalidSignal)
		}
		updates["base_amount"] = *patch.BaseAmount
	}
	if patch.MartingaleAmounts != nil {
		for i, a := range patch.MartingaleAmounts {
			if a <= 0 {
				return nil, fmt.Errorf("%w: martingale_amounts[%d] must be positive", ErrInvalidSignal, i)
			}
		}
		updates["martingale_amounts"] = FloatList(patch.MartingaleAmounts)
	}

	levels := current.MartingaleLevels
	if patch.MartingaleLevels != nil {
		if *patch.MartingaleLevels < 0 {
			return nil, fmt.Errorf("%w: martingale_levels %d", ErrInvalidSignal, *patch.MartingaleLevels)
		}
		levels = *patch.MartingaleLevels
		updates["martingale_levels"] = levels
	}

	entryTime := current.EntryTime
	if patch.EntryTime != nil {
		entryAt, err := timing.ParseClock(current.ReceivedAt, *patch.EntryTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		entryTime = timing.FormatClock(entryAt)
		updates["entry_time"] = entryTime
	}

	if patch.EntryTime != nil || patch.TradeDuration != nil || patch.MartingaleLevels != nil {
		entryAt, err := timing.ParseClock(current.ReceivedAt, entryTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		updates["martingale_times"] = StringList(GenerateMartingaleTimes(entryAt, duration, levels))
	}

	if err := s.db.Update(ctx, messageID, updates); err != nil {
		return nil, err
	}

	log.Info().
		Int64("message_id", messageID).
		Int("fields", len(updates)).
		Str("service", "signal").
		Msg("signal updated by operator")

	return s.db.Get(ctx, messageID)
}

// Today returns the working set for the current day
func (s *Service) Today(ctx context.Context) ([]Signal, error) {
	return s.db.ListToday(ctx, s.clock.Now())
}

// GetSignal retrieves a signal by message ID
func (s *Service) GetSignal(ctx context.Context, messageID int64) (*Signal, error) {
	return s.db.Get(ctx, messageID)
}

// DeleteSignal removes a signal from the working set
func (s *Service) DeleteSignal(ctx context.Context, messageID int64) error {
	return s.db.Delete(ctx, messageID)
}

// GinHandlers contains HTTP handlers for signal endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in NewSignal
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		signal, err := h.service.Ingest(c.Request.Context(), in)
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, signal)
	}
}

func (h *GinHandlers) TodaySignalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		signals, err := h.service.Today(c.Request.Context())
		response.Handle(c, signals, err)
	}
}

func (h *GinHandlers) GetSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		messageID, ok := messageIDParam(c)
		if !ok {
			return
		}

		signal, err := h.service.GetSignal(c.Request.Context(), messageID)
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, signal)
	}
}

// UpdateSignalHandler accepts only the fields in Patch; unknown keys are rejected
func (h *GinHandlers) UpdateSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		messageID, ok := messageIDParam(c)
		if !ok {
			return
		}

		var patch Patch
		decoder := json.NewDecoder(c.Request.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&patch); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		signal, err := h.service.Update(c.Request.Context(), messageID, patch)
		if err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, signal)
	}
}

func (h *GinHandlers) DeleteSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		messageID, ok := messageIDParam(c)
		if !ok {
			return
		}

		if err := h.service.DeleteSignal(c.Request.Context(), messageID); err != nil {
			handleError(c, err)
			return
		}
		response.Success(c, gin.H{"message": fmt.Sprintf("signal %d deleted", messageID)})
	}
}

func messageIDParam(c *gin.Context) (int64, bool) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "message_id must be an integer")
		return 0, false
	}
	return messageID, true
}

func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrInvalidSignal):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrTerminal):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}
