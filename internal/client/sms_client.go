package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pothole-service/internal/alert"
	"pothole-service/internal/config"
	"pothole-service/internal/utils"
)

const smsTimestampLayout = "2006-01-02 15:04:05"

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SMSClient sends alerts through the Twilio Messages API.
type SMSClient struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewSMSClient(cfg config.TwilioConfig, log zerolog.Logger) *SMSClient {
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &SMSClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.PhoneNumber,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		backoff: 500 * time.Millisecond,
		log:     log.With().Str("component", "sms_client").Logger(),
		now:     time.Now,
	}
}

// NewNotifier returns the Twilio client when all credentials are configured,
// and a logging stand-in otherwise.
func NewNotifier(cfg config.TwilioConfig, log zerolog.Logger) alert.Notifier {
	if cfg.Configured() {
		log.Info().Msg("sms notifications enabled")
		return NewSMSClient(cfg, log)
	}
	log.Info().Msg("sms credentials missing, notifications are simulated")
	return NewLogNotifier(log)
}

func (c *SMSClient) SendAlert(ctx context.Context, phoneNumber, message string) error {
	to := utils.NormalizePhone(phoneNumber)
	if to == "" {
		return fmt.Errorf("invalid phone number %q", phoneNumber)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit: %w", err)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", fmt.Sprintf("[Pothole Alert - %s] %s", c.now().Format(smsTimestampLayout), message))
	payload := form.Encode()

	newRequest := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	// Only transport errors are retried.
	var resp *http.Response
	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := newRequest()
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, lastErr = c.httpClient.Do(req)
		if lastErr == nil {
			break
		}
		if attempt == maxRetries-1 {
			return fmt.Errorf("failed to execute request after %d attempts: %w", maxRetries, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * c.backoff):
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr twilioError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio returned status %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio returned status %d: %s", resp.StatusCode, string(body))
	}

	var msg twilioMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	c.log.Info().Str("to", to).Str("sid", msg.SID).Str("status", msg.Status).Msg("sms alert sent")
	return nil
}

// LogNotifier records alerts in the log instead of sending them.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "sms_simulator").Logger()}
}

func (n *LogNotifier) SendAlert(ctx context.Context, phoneNumber, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info().Str("to", phoneNumber).Str("message", message).Msg("simulated sms alert")
	return nil
}
