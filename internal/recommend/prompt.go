package recommend

import (
	"encoding/json"
	"fmt"
	"strings"

	"gasguard/internal/aggregator"
	"gasguard/internal/prediction"
)

const replySchema = `{
  "action": "EXECUTE_NOW" | "WAIT" | "SCHEDULE",
  "reasoning": "Clear explanation of your recommendation",
  "prediction": {
    "targetFee": number,
    "targetTime": "ISO 8601 timestamp",
    "confidence": number (0-100),
    "waitDuration": "human readable string"
  },
  "savings": {"amount": number, "currency": "USD", "percentage": number},
  "actions": [
    {"type": "EXECUTE_NOW" | "SCHEDULE" | "SET_ALERT", "label": "Button label", "cost": number, "scheduledTime": "ISO 8601 timestamp (if SCHEDULE)"}
  ]
}`

func systemPrompt(c aggregator.Conditions, s *prediction.Summary) string {
	var b strings.Builder
	b.WriteString("You are GasGuard, an assistant that helps users time transactions to minimise network fees.\n\n")
	b.WriteString("Analyse the conditions below, give one clear recommendation, estimate savings and suggest timing.\n\n")
	b.WriteString("Current conditions:\n")
	fmt.Fprintf(&b, "- Fee: %.4f gwei (%s, trend %s)\n", c.Fee.Gwei, c.Status, c.Trend)
	fmt.Fprintf(&b, "- Cost in USD: $%.6f\n", c.FeeUSD)
	fmt.Fprintf(&b, "- %s: $%.4f\n", c.AssetPrice.Asset, c.AssetPrice.Value)
	fmt.Fprintf(&b, "- Network congestion: %d%%\n", c.Congestion)
	if s != nil {
		fmt.Fprintf(&b, "\nHistorical pattern (%d points):\n", s.DataPoints)
		fmt.Fprintf(&b, "- Average: %.2f gwei\n- Min: %.2f gwei\n- Max: %.2f gwei\n- Trend: %s\n", s.Average, s.Min, s.Max, s.Trend)
	}
	b.WriteString("\nAlways respond with valid JSON in exactly this format:\n")
	b.WriteString(replySchema)
	return b.String()
}

func userPrompt(req Request) (string, error) {
	if len(req.Context) == 0 {
		return req.Message, nil
	}
	extra, err := json.Marshal(req.Context)
	if err != nil {
		return "", err
	}
	return req.Message + "\n\nContext: " + string(extra), nil
}
