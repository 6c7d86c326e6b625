package setting

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db       *gorm.DB
	defaults Defaults
}

func NewDatabase(db *gorm.DB, defaults Defaults) *Database {
	return &Database{
		db:       db,
		defaults: defaults,
	}
}

// Get returns the singleton row, creating it from the defaults when missing.
func (d *Database) Get(ctx context.Context) (*BaseSetting, error) {
	var s BaseSetting
	err := d.db.WithContext(ctx).First(&s, SingletonID).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	s = BaseSetting{
		ID:                SingletonID,
		BaseAmount:        d.defaults.BaseAmount,
		DailyProfitTarget: d.defaults.DailyProfitTarget,
		MaxLossPercent:    d.defaults.MaxLossPercent,
		BalanceReference:  d.defaults.BalanceReference,
		CurrentBalance:    d.defaults.BalanceReference,
		UpdatedAt:         time.Now(),
	}
	if err := d.db.WithContext(ctx).FirstOrCreate(&s, BaseSetting{ID: SingletonID}).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateBalance records the balance read from the trade surface.
func (d *Database) UpdateBalance(ctx context.Context, balance float64) error {
	if _, err := d.Get(ctx); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Model(&BaseSetting{}).
		Where("id = ?", SingletonID).
		Updates(map[string]interface{}{
			"current_balance": balance,
			"updated_at":      time.Now(),
		}).Error
}

// OpenDay records balance and, on the first call for day, makes it the loss
// reference as well. The reference moves at most once per day no matter how
// many callers race; reset reports whether this call moved it.
func (d *Database) OpenDay(ctx context.Context, balance float64, day time.Time) (reset bool, err error) {
	if err := d.UpdateBalance(ctx, balance); err != nil {
		return false, err
	}

	key := day.Format(ReferenceDayLayout)
	result := d.db.WithContext(ctx).Model(&BaseSetting{}).
		Where("id = ? AND (reference_day IS NULL OR reference_day <> ?)", SingletonID, key).
		Updates(map[string]interface{}{
			"balance_reference": balance,
			"reference_day":     key,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetManualStop toggles the operator halt flag.
func (d *Database) SetManualStop(ctx context.Context, stop bool) error {
	if _, err := d.Get(ctx); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Model(&BaseSetting{}).
		Where("id = ?", SingletonID).
		Updates(map[string]interface{}{
			"manual_stop": stop,
			"updated_at":  time.Now(),
		}).Error
}

// Update applies operator changes and returns the new row.
func (d *Database) Update(ctx context.Context, changes Changes) (*BaseSetting, error) {
	if _, err := d.Get(ctx); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if changes.BaseAmount != nil {
		updates["base_amount"] = *changes.BaseAmount
	}
	if changes.DailyProfitTarget != nil {
		updates["daily_profit_target"] = *changes.DailyProfitTarget
	}
	if changes.MaxLossPercent != nil {
		updates["max_loss_percent"] = *changes.MaxLossPercent
	}

	if err := d.db.WithContext(ctx).Model(&BaseSetting{}).
		Where("id = ?", SingletonID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return d.Get(ctx)
}
