package recommend

import (
	"fmt"
	"time"

	"gasguard/internal/aggregator"
)

// Policy holds the constants of the deterministic rule.
type Policy struct {
	HighFee        float64
	HighCongestion int
	SavingsPct     float64
	TargetRatio    float64
	WaitWindow     time.Duration
	WaitConfidence int
	CacheTTL       time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.HighFee <= 0 {
		p.HighFee = 30
	}
	if p.HighCongestion <= 0 {
		p.HighCongestion = 70
	}
	if p.SavingsPct <= 0 {
		p.SavingsPct = 40
	}
	if p.TargetRatio <= 0 {
		p.TargetRatio = 0.7
	}
	if p.WaitWindow <= 0 {
		p.WaitWindow = 2 * time.Hour
	}
	if p.WaitConfidence <= 0 {
		p.WaitConfidence = 60
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = 30 * time.Second
	}
	return p
}

// Fallback applies the rule: a fee above the high mark or congestion above
// its mark means WAIT; anything else executes now. It always returns a
// valid result.
func Fallback(c aggregator.Conditions, p Policy, now time.Time) Result {
	p = p.withDefaults()

	fee := c.Fee.Gwei
	highFee := fee > p.HighFee
	highCongestion := c.Congestion > p.HighCongestion

	res := Result{
		Conditions: conditionsOf(c),
		Savings:    &Savings{Currency: "USD"},
	}

	if !highFee && !highCongestion {
		res.Action = ActionExecuteNow
		res.Reasoning = fmt.Sprintf(
			"Fallback mode: reasoning service unavailable.\n\nCurrent fee is %.2f gwei (LOW). Network congestion is %d%%. Good time to execute.",
			fee, c.Congestion)
		res.Actions = []ActionOption{{
			Type:  string(ActionExecuteNow),
			Label: "Execute Now",
			Cost:  c.FeeUSD,
		}}
		return res
	}

	label := "MEDIUM"
	if highFee {
		label = "HIGH"
	}
	target := now.Add(p.WaitWindow).UTC().Format(time.RFC3339)
	savings := c.FeeUSD * p.SavingsPct / 100

	res.Action = ActionWait
	res.Reasoning = fmt.Sprintf(
		"Fallback mode: reasoning service unavailable.\n\nCurrent fee is %.2f gwei (%s). Network congestion is %d%%. Consider waiting for better conditions to save ~$%.2f.",
		fee, label, c.Congestion, savings)
	res.Prediction = &Prediction{
		TargetFee:    fee * p.TargetRatio,
		TargetTime:   target,
		Confidence:   p.WaitConfidence,
		WaitDuration: humanDuration(p.WaitWindow),
	}
	res.Savings.Amount = savings
	res.Savings.Percentage = p.SavingsPct
	res.Actions = []ActionOption{{
		Type:          string(ActionSchedule),
		Label:         "Schedule for Later",
		Cost:          c.FeeUSD,
		ScheduledTime: target,
	}}
	return res
}

func conditionsOf(c aggregator.Conditions) Conditions {
	return Conditions{
		Fee:        c.Fee.Gwei,
		FeeUSD:     c.FeeUSD,
		AssetPrice: c.AssetPrice.Value,
		Congestion: c.Congestion,
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
