package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeSampleRecord is one persisted poll of the current conditions.
type FeeSampleRecord struct {
	CapturedAt  time.Time
	Gwei        decimal.Decimal
	Wei         decimal.Decimal
	Source      string
	BlockNumber *int64
	AssetPrice  decimal.Decimal
	Congestion  int
	FeeUSD      decimal.Decimal
	Status      string
	Error       *string
	CreatedAt   time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID            int64
	Rule          string
	SampleTS      time.Time
	FeeGwei       decimal.Decimal
	ThresholdGwei decimal.Decimal
	Direction     string
	Channels      []string
	CreatedAt     time.Time
}

// RecommendationRecord is a served recommendation tied to a wallet.
type RecommendationRecord struct {
	ID         int64
	Wallet     string
	Action     string
	Path       string
	FeeGwei    decimal.Decimal
	SavingsUSD decimal.Decimal
	SavingsPct decimal.Decimal
	CreatedAt  time.Time
}

// SaverRow is one leaderboard line.
type SaverRow struct {
	Wallet          string          `json:"wallet"`
	Recommendations int64           `json:"recommendations"`
	TotalSavingsUSD decimal.Decimal `json:"totalSavingsUsd"`
}
