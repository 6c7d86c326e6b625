package archive

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultListLimit = 500

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Save inserts the result or replaces the previous archive row of the same signal.
func (d *Database) Save(ctx context.Context, result *TradeResult) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			UpdateAll: true,
		}).
		Create(result).Error
}

func (d *Database) List(ctx context.Context, filter Filter) ([]TradeResult, error) {
	query := d.db.WithContext(ctx).Model(&TradeResult{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Pair != "" {
		query = query.Where("pair = ?", filter.Pair)
	}
	if filter.From != nil {
		query = query.Where("received_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("received_at < ?", filter.To.AddDate(0, 0, 1))
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	var results []TradeResult
	if err := query.Order("received_at DESC, message_id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
