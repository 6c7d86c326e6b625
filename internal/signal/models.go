package signal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/klear-signals/internal/timing"
)

// Direction of a binary trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Signal is one trading opportunity. The signals table is the working set for
// the current day; terminal rows are copied to the archive.
type Signal struct {
	MessageID         int64      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	ChannelType       string     `json:"channel_type"`
	ReceivedAt        time.Time  `gorm:"index" json:"received_at"`
	Pair              string     `json:"pair"`
	IsOTC             bool       `json:"is_otc"`
	Direction         Direction  `json:"direction"`
	TradeDuration     Duration   `json:"trade_duration"`
	EntryTime         string     `json:"entry_time"`        // HH:MM
	MartingaleTimes   StringList `gorm:"type:text" json:"martingale_times"`
	EndTime           string     `json:"end_time"`
	BaseAmount        float64    `json:"base_amount"`
	MartingaleAmounts FloatList  `gorm:"type:text" json:"martingale_amounts"`
	MartingaleLevels  int        `json:"martingale_levels"`
	PayoutPercent     float64    `json:"payout_percent"`
	TotalStaked       float64    `json:"total_staked"`
	TotalProfit       float64    `json:"total_profit"`
	TradeLevel        int        `json:"trade_level"`
	TradingResult     string     `json:"trading_result"` // win, loss
	Status            Status     `gorm:"index" json:"status"`
	Executed          bool       `json:"executed"`
	FailureReason     string     `json:"failure_reason"`
	RunID             string     `json:"run_id"`
	RawText           string     `json:"raw_text,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EntryAt resolves the entry time against the day the signal was received.
func (s *Signal) EntryAt() (time.Time, error) {
	return timing.ParseClock(s.ReceivedAt, s.EntryTime)
}

// MartingaleAt returns the deadline of retry level (1-based).
func (s *Signal) MartingaleAt(level int) (time.Time, error) {
	if level < 1 || level > len(s.MartingaleTimes) {
		return time.Time{}, fmt.Errorf("%w: no martingale time for level %d", timing.ErrBadClock, level)
	}
	return timing.ParseClock(s.ReceivedAt, s.MartingaleTimes[level-1])
}

// Ladder is the stake plan persisted before the entry trade is placed.
type Ladder struct {
	BaseAmount        float64
	EntryTime         string
	MartingaleTimes   []string
	MartingaleAmounts []float64
	PayoutPercent     float64
}

// Result is the terminal record a worker writes for a signal.
type Result struct {
	Status        Status
	Reason        string
	TradingResult string
	TradeLevel    int
	BaseAmount    float64
	PayoutPercent float64
	TotalStaked   float64
	TotalProfit   float64
	EndTime       string
	RunID         string
}

// StringList is stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(l))
}

// FloatList is stored as a JSON array.
type FloatList []float64

func (l FloatList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]float64(l))
	return string(b), err
}

func (l *FloatList) Scan(src interface{}) error {
	return scanJSON(src, (*[]float64)(l))
}

func scanJSON(src interface{}, dst interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported list column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// GenerateMartingaleTimes returns times[i] = entry + duration*(i+1) for each
// retry level.
func GenerateMartingaleTimes(entry time.Time, duration time.Duration, levels int) []string {
	times := make([]string, 0, levels)
	for i := 0; i < levels; i++ {
		times = append(times, timing.FormatClock(entry.Add(duration*time.Duration(i+1))))
	}
	return times
}
