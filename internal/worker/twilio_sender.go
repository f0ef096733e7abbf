package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/db"
)

// TwilioConfig holds Twilio Programmable Messaging settings.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL defaults to https://api.twilio.com.
	BaseURL string
	// StatusCallbackURL receives delivery reports; empty disables callbacks.
	StatusCallbackURL string
	Timeout           time.Duration
}

// TwilioSender sends SMS through the Twilio Messages REST resource.
type TwilioSender struct {
	client *http.Client
	config TwilioConfig
	logger *zap.Logger
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// NewTwilioSender creates a Twilio sender.
func NewTwilioSender(cfg TwilioConfig, logger *zap.Logger) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &TwilioSender{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}, nil
}

func (s *TwilioSender) messagesURL() string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.config.BaseURL, "/"), url.PathEscape(s.config.AccountSID))
}

// Send posts the message and returns Twilio's message SID.
func (s *TwilioSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Channel != db.ChannelSMS {
		return "", refused("twilio sender only supports sms, got: %s", msg.Channel)
	}
	if msg.Destination == "" {
		return "", refused("sms message missing destination")
	}
	if msg.Content == "" {
		return "", refused("sms message missing content")
	}

	form := url.Values{}
	form.Set("To", msg.Destination)
	form.Set("From", s.config.FromNumber)
	form.Set("Body", msg.Content)
	if s.config.StatusCallbackURL != "" {
		form.Set("StatusCallback", s.config.StatusCallbackURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messagesURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var err error
		var terr twilioError
		if json.Unmarshal(body, &terr) == nil && terr.Message != "" {
			err = fmt.Errorf("twilio returned %d (code %d): %s", resp.StatusCode, terr.Code, terr.Message)
		} else {
			err = fmt.Errorf("twilio returned non-2xx status: %d", resp.StatusCode)
		}
		// 4xx other than 429 is Twilio refusing this message, e.g. an
		// unreachable or blocked number.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", circuitbreaker.ErrPermanent, err)
		}
		return "", err
	}

	var out twilioMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	if out.SID == "" {
		return "", fmt.Errorf("twilio response missing sid")
	}

	s.logger.Info("sms sent via twilio",
		zap.String("message_id", msg.ID.String()),
		zap.String("sid", out.SID),
		zap.String("status", out.Status),
	)

	return out.SID, nil
}

// SupportsChannel checks if this sender supports the SMS channel.
func (s *TwilioSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
