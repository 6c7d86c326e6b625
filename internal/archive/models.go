package archive

import (
	"time"

	"github.com/ksred/klear-signals/internal/signal"
)

// TradeResult is the permanent copy of a signal that reached a terminal
// state. Rows are never pruned.
type TradeResult struct {
	MessageID         int64             `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	ReceivedAt        time.Time         `gorm:"index" json:"received_at"`
	ChannelType       string            `json:"channel_type"`
	Pair              string            `gorm:"index" json:"pair"`
	IsOTC             bool              `json:"is_otc"`
	Direction         signal.Direction  `json:"direction"`
	TradeDuration     signal.Duration   `json:"trade_duration"`
	EntryTime         string            `json:"entry_time"`
	MartingaleTimes   signal.StringList `gorm:"type:text" json:"martingale_times"`
	EndTime           string            `json:"end_time"`
	BaseAmount        float64           `json:"base_amount"`
	MartingaleAmounts signal.FloatList  `gorm:"type:text" json:"martingale_amounts"`
	MartingaleLevels  int               `json:"martingale_levels"`
	PayoutPercent     float64           `json:"payout_percent"`
	TotalStaked       float64           `json:"total_staked"`
	TotalProfit       float64           `json:"total_profit"`
	TradeLevel        int               `json:"trade_level"`
	TradingResult     string            `json:"trading_result"`
	Status            signal.Status     `gorm:"index" json:"status"`
	FailureReason     string            `json:"failure_reason"`
	RunID             string            `json:"run_id"`
	ArchivedAt        time.Time         `json:"archived_at"`
}

// FromSignal copies the archived columns of s.
func FromSignal(s *signal.Signal, runID string, archivedAt time.Time) *TradeResult {
	if runID == "" {
		runID = s.RunID
	}
	return &TradeResult{
		MessageID:         s.MessageID,
		ReceivedAt:        s.ReceivedAt,
		ChannelType:       s.ChannelType,
		Pair:              s.Pair,
		IsOTC:             s.IsOTC,
		Direction:         s.Direction,
		TradeDuration:     s.TradeDuration,
		EntryTime:         s.EntryTime,
		MartingaleTimes:   s.MartingaleTimes,
		EndTime:           s.EndTime,
		BaseAmount:        s.BaseAmount,
		MartingaleAmounts: s.MartingaleAmounts,
		MartingaleLevels:  s.MartingaleLevels,
		PayoutPercent:     s.PayoutPercent,
		TotalStaked:       s.TotalStaked,
		TotalProfit:       s.TotalProfit,
		TradeLevel:        s.TradeLevel,
		TradingResult:     s.TradingResult,
		Status:            s.Status,
		FailureReason:     s.FailureReason,
		RunID:             runID,
		ArchivedAt:        archivedAt,
	}
}

// Filter narrows archive listings. Zero values match everything.
type Filter struct {
	Status signal.Status `form:"status"`
	Pair   string        `form:"pair"`
	From   *time.Time    `form:"from" time_format:"2006-01-02"`
	To     *time.Time    `form:"to" time_format:"2006-01-02"`
	Limit  int           `form:"limit"`
}
