package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Suggestion is one reading of the suggested-fees API, in gwei.
type Suggestion struct {
	MaxFee      float64
	BaseFee     float64
	PriorityFee float64
	FetchedAt   time.Time
}

// ClientOptions parameterise the suggested-fees client.
type ClientOptions struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
	UserAgent  string
}

// Client polls a suggested-fees endpoint with exponential backoff.
type Client struct {
	opts   ClientOptions
	http   *retryablehttp.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewClient builds a suggested-fees client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	log := logger.With().Str("component", "suggested_fees").Logger()

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.RetryMax = opts.MaxRetries
	wait := opts.RetryWait
	if wait <= 0 {
		wait = time.Second
	}
	rc.RetryWaitMin = wait
	rc.RetryWaitMax = 8 * wait
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.Logger = leveledLogger{log}

	return &Client{opts: opts, http: rc, logger: log, now: time.Now}
}

// Fetch reads the current suggestion.
func (c *Client) Fetch(ctx context.Context) (Suggestion, error) {
	if strings.TrimSpace(c.opts.URL) == "" {
		return Suggestion{}, fmt.Errorf("suggested fees url not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return Suggestion{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "gasguard/1.0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Suggestion{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Suggestion{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body suggestedFeesResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggested fees: %w", err)
	}

	s := Suggestion{
		MaxFee:      float64(body.SuggestedMaxFeePerGas),
		BaseFee:     float64(body.EstimatedBaseFee),
		PriorityFee: float64(body.SuggestedMaxPriorityFeePerGas),
		FetchedAt:   c.now(),
	}
	// the public API nests per-tier suggestions; medium is the usual pick
	if s.MaxFee == 0 && body.Medium != nil {
		s.MaxFee = float64(body.Medium.SuggestedMaxFeePerGas)
		s.PriorityFee = float64(body.Medium.SuggestedMaxPriorityFeePerGas)
	}
	if s.MaxFee <= 0 {
		return Suggestion{}, fmt.Errorf("suggested fees response carries no max fee")
	}
	return s, nil
}

type tier struct {
	SuggestedMaxFeePerGas         flexFloat `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas flexFloat `json:"suggestedMaxPriorityFeePerGas"`
}

type suggestedFeesResponse struct {
	SuggestedMaxFeePerGas         flexFloat `json:"suggestedMaxFeePerGas"`
	SuggestedMaxPriorityFeePerGas flexFloat `json:"suggestedMaxPriorityFeePerGas"`
	EstimatedBaseFee              flexFloat `json:"estimatedBaseFee"`
	Medium                        *tier     `json:"medium"`
}

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("suggested fees api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("suggested fees api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("suggested fees api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("suggested fees api error (%d)", status)
}

// leveledLogger routes retry diagnostics into zerolog.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
