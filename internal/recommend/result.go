package recommend

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Action is the recommended decision.
type Action string

const (
	ActionExecuteNow Action = "EXECUTE_NOW"
	ActionWait       Action = "WAIT"
	ActionSchedule   Action = "SCHEDULE"
)

// Result is a structured recommendation. It must pass Validate before it is
// trusted or cached.
type Result struct {
	Action     Action         `json:"action" validate:"required,oneof=EXECUTE_NOW WAIT SCHEDULE"`
	Reasoning  string         `json:"reasoning" validate:"notblank"`
	Conditions Conditions     `json:"conditions"`
	Prediction *Prediction    `json:"prediction,omitempty"`
	Savings    *Savings       `json:"savings,omitempty"`
	Actions    []ActionOption `json:"actions" validate:"dive"`
}

// Conditions echoes the snapshot the decision was made on.
type Conditions struct {
	Fee        float64 `json:"fee"`
	FeeUSD     float64 `json:"feeUsd"`
	AssetPrice float64 `json:"assetPrice"`
	Congestion int     `json:"congestion"`
}

// Prediction describes the expected better window.
type Prediction struct {
	TargetFee    float64 `json:"targetFee" validate:"gte=0"`
	TargetTime   string  `json:"targetTime"`
	Confidence   int     `json:"confidence" validate:"gte=0,lte=100"`
	WaitDuration string  `json:"waitDuration"`
}

// Savings is the estimated saving from following the advice.
type Savings struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Percentage float64 `json:"percentage" validate:"gte=0,lte=100"`
}

// ActionOption is one suggested follow-up.
type ActionOption struct {
	Type          string  `json:"type" validate:"required"`
	Label         string  `json:"label"`
	Cost          float64 `json:"cost"`
	ScheduledTime string  `json:"scheduledTime,omitempty"`
}

// Request is one recommendation call.
type Request struct {
	Message string         `validate:"notblank"`
	Wallet  string         `validate:"omitempty,eth_addr"`
	Context map[string]any `validate:"-"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("notblank", validators.NotBlank)
	})
	return validate
}

// Validate reports whether the result is structurally complete.
func (r Result) Validate() error {
	return getValidator().Struct(r)
}
