package setting

import "time"

// SingletonID is the primary key of the only base_settings row.
const SingletonID = 1

// BaseSetting holds the operator-controlled trading parameters and the
// balance the circuit breaker measures losses against.
type BaseSetting struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	BaseAmount        float64   `json:"base_amount"`
	DailyProfitTarget float64   `json:"daily_profit_target"`
	MaxLossPercent    float64   `json:"max_loss_percent"`
	BalanceReference  float64   `json:"balance_reference"`
	CurrentBalance    float64   `json:"current_balance"`
	ManualStop        bool      `json:"manual_stop"`
	ReferenceDay      string    `json:"reference_day"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ReferenceDayLayout formats the day a balance reference was taken on.
const ReferenceDayLayout = "2006-01-02"

// Defaults seed the singleton row the first time it is read.
type Defaults struct {
	BaseAmount        float64
	DailyProfitTarget float64
	MaxLossPercent    float64
	BalanceReference  float64
}

// Changes is the operator-editable subset of BaseSetting.
type Changes struct {
	BaseAmount        *float64 `json:"base_amount"`
	DailyProfitTarget *float64 `json:"daily_profit_target"`
	MaxLossPercent    *float64 `json:"max_loss_percent"`
}
