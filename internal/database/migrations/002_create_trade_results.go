package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-signals/internal/archive"
	"github.com/ksred/klear-signals/internal/setting"
)

// CreateTradeResults creates the archive and the base settings singleton.
func CreateTradeResults(db *gorm.DB) error {
	if err := db.AutoMigrate(&archive.TradeResult{}, &setting.BaseSetting{}); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_trade_results_pair_status
		 ON trade_results(pair, status)`,

		`CREATE INDEX IF NOT EXISTS idx_trade_results_archived_at
		 ON trade_results(archived_at)`,
	}
	return execAll(db, indexes)
}
