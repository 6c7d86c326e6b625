package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-signals/internal/timing"
)

var (
	ErrNotFound          = errors.New("signal not found")
	ErrClaimConflict     = errors.New("signal already claimed or no longer pending")
	ErrInvalidTransition = errors.New("invalid signal status transition")
	ErrStaleStatus       = errors.New("signal status changed concurrently")
	ErrTerminal          = errors.New("signal is in a terminal state")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(ctx context.Context, signal *Signal) error {
	return d.db.WithContext(ctx).Create(signal).Error
}

func (d *Database) Get(ctx context.Context, messageID int64) (*Signal, error) {
	var signal Signal
	if err := d.db.WithContext(ctx).Where("message_id = ?", messageID).First(&signal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, messageID)
		}
		return nil, err
	}
	return &signal, nil
}

// ListToday returns the rows received on day's calendar date, newest first.
func (d *Database) ListToday(ctx context.Context, day time.Time) ([]Signal, error) {
	start := timing.StartOfDay(day)
	var signals []Signal
	if err := d.db.WithContext(ctx).
		Where("received_at >= ? AND received_at < ?", start, start.AddDate(0, 0, 1)).
		Order("received_at DESC").
		Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

func (d *Database) ListByStatus(ctx context.Context, statuses ...Status) ([]Signal, error) {
	var signals []Signal
	if err := d.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("message_id ASC").
		Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

// ListPending returns pending signals that were never executed, soonest entry
// first and ties by message id. Entry times are stored zero-padded, so the
// text order matches the clock order.
func (d *Database) ListPending(ctx context.Context) ([]Signal, error) {
	var signals []Signal
	if err := d.db.WithContext(ctx).
		Where("status = ? AND executed = ?", StatusPending, false).
		Order("entry_time ASC, message_id ASC").
		Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

// Claim atomically moves a pending, unexecuted signal to processing and marks
// it executed.
func (d *Database) Claim(ctx context.Context, messageID int64, runID string) error {
	result := d.db.WithContext(ctx).Model(&Signal{}).
		Where("message_id = ? AND status = ? AND executed = ?", messageID, StatusPending, false).
		Updates(map[string]interface{}{
			"status":     StatusProcessing,
			"executed":   true,
			"run_id":     runID,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrClaimConflict, messageID)
	}
	return nil
}

// Transition moves a signal from one status to another only if it is still in
// the expected status.
func (d *Database) Transition(ctx context.Context, messageID int64, from, to Status, reason string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}

	result := d.db.WithContext(ctx).Model(&Signal{}).
		Where("message_id = ? AND status = ?", messageID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d no longer %s", ErrStaleStatus, messageID, from)
	}
	return nil
}

// SaveLadder persists the stake plan computed right before the entry trade.
func (d *Database) SaveLadder(ctx context.Context, messageID int64, ladder Ladder) error {
	result := d.db.WithContext(ctx).Model(&Signal{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"base_amount":        ladder.BaseAmount,
			"entry_time":         ladder.EntryTime,
			"martingale_times":   StringList(ladder.MartingaleTimes),
			"martingale_amounts": FloatList(ladder.MartingaleAmounts),
			"payout_percent":     ladder.PayoutPercent,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, messageID)
	}
	return nil
}

// Finish writes the terminal record of a processing signal.
func (d *Database) Finish(ctx context.Context, messageID int64, res Result) error {
	if !CanTransition(StatusProcessing, res.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusProcessing, res.Status)
	}

	updates := map[string]interface{}{
		"status":         res.Status,
		"failure_reason": res.Reason,
		"trading_result": res.TradingResult,
		"trade_level":    res.TradeLevel,
		"total_staked":   res.TotalStaked,
		"total_profit":   res.TotalProfit,
		"end_time":       res.EndTime,
		"updated_at":     time.Now(),
	}
	if res.BaseAmount > 0 {
		updates["base_amount"] = res.BaseAmount
	}
	if res.PayoutPercent > 0 {
		updates["payout_percent"] = res.PayoutPercent
	}
	if res.RunID != "" {
		updates["run_id"] = res.RunID
	}

	result := d.db.WithContext(ctx).Model(&Signal{}).
		Where("message_id = ? AND status = ?", messageID, StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d no longer %s", ErrStaleStatus, messageID, StatusProcessing)
	}
	return nil
}

// PruneBefore deletes every row whose record date is not day. It never
// touches the archive.
func (d *Database) PruneBefore(ctx context.Context, day time.Time) (int64, error) {
	start := timing.StartOfDay(day)
	result := d.db.WithContext(ctx).
		Where("received_at < ? OR received_at >= ?", start, start.AddDate(0, 0, 1)).
		Delete(&Signal{})
	return result.RowsAffected, result.Error
}

// RealizedProfit sums the profit of signals completed on day.
func (d *Database) RealizedProfit(ctx context.Context, day time.Time) (float64, error) {
	start := timing.StartOfDay(day)
	var total float64
	err := d.db.WithContext(ctx).Model(&Signal{}).
		Select("COALESCE(SUM(total_profit), 0)").
		Where("received_at >= ? AND received_at < ? AND status = ?", start, start.AddDate(0, 0, 1), StatusCompleted).
		Scan(&total).Error
	return total, err
}

// Update applies an allow-listed administrative edit to a non-terminal signal.
func (d *Database) Update(ctx context.Context, messageID int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()

	result := d.db.WithContext(ctx).Model(&Signal{}).
		Where("message_id = ? AND status IN ?", messageID, []Status{StatusPending, StatusProcessing}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := d.Get(ctx, messageID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", ErrTerminal, messageID)
	}
	return nil
}

func (d *Database) Delete(ctx context.Context, messageID int64) error {
	result := d.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&Signal{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, messageID)
	}
	return nil
}
