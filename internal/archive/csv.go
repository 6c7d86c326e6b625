package archive

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

var csvHeader = []string{
	"message_id", "received_at", "pair", "base_amount", "direction",
	"trading_result", "total_profit", "trade_level", "entry_time", "end_time",
	"trade_duration", "payout_percent", "total_staked", "status",
}

// CSVExporter appends archived results to a flat file for spreadsheet use.
type CSVExporter struct {
	mu   sync.Mutex
	path string
}

func NewCSVExporter(path string) *CSVExporter {
	return &CSVExporter{path: path}
}

// Append writes one row, adding the header when the file is new or empty.
func (e *CSVExporter) Append(r *TradeResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat results file: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRow(r)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func csvRow(r *TradeResult) []string {
	return []string{
		strconv.FormatInt(r.MessageID, 10),
		r.ReceivedAt.Format("2006-01-02 15:04:05"),
		r.Pair,
		money(r.BaseAmount),
		string(r.Direction),
		r.TradingResult,
		money(r.TotalProfit),
		strconv.Itoa(r.TradeLevel),
		r.EntryTime,
		r.EndTime,
		string(r.TradeDuration),
		strconv.FormatFloat(r.PayoutPercent, 'f', -1, 64),
		money(r.TotalStaked),
		string(r.Status),
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
