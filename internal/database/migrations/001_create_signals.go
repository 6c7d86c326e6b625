package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-signals/internal/signal"
)

// CreateSignals creates the working signal table and the indexes the
// dispatcher polls with.
func CreateSignals(db *gorm.DB) error {
	if err := db.AutoMigrate(&signal.Signal{}); err != nil {
		return err
	}

	indexes := []string{
		// Pending scan and reconcile
		`CREATE INDEX IF NOT EXISTS idx_signals_status_executed
		 ON signals(status, executed)`,

		// Today's listing, realized profit and prune
		`CREATE INDEX IF NOT EXISTS idx_signals_received_status
		 ON signals(received_at, status)`,
	}
	return execAll(db, indexes)
}

func execAll(db *gorm.DB, statements []string) error {
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
