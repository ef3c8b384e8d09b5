// Package webhook delivers alarm notifications as signed HTTP POST requests.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/notify"
)

const (
	HeaderDeliveryID = "X-Alarm-Delivery-ID"
	HeaderSignature  = "X-Alarm-Signature"
)

type Config struct {
	URL     string
	Secret  string // HMAC secret
	Timeout time.Duration
	Action  domain.Action
}

// Payload is the JSON body posted for one notification.
type Payload struct {
	DeliveryID  string `json:"delivery_id"`
	ContextID   int    `json:"context_id"`
	AccountID   int    `json:"account_id"`
	UserID      int    `json:"user_id"`
	Action      string `json:"action"`
	EventID     string `json:"event_id"`
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Occurrence  string `json:"occurrence,omitempty"`
	AlarmID     int    `json:"alarm_id"`
	Description string `json:"description,omitempty"`
	TriggerTime string `json:"trigger_time"`
}

type Service struct {
	client *resty.Client
	config Config
	prefs  notify.Preferences
	logger *zap.Logger
}

var _ notify.Service = (*Service)(nil)

func New(config Config, prefs notify.Preferences, logger *zap.Logger) *Service {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if prefs == nil {
		prefs = notify.AllowAll()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &Service{
		client: client,
		config: config,
		prefs:  prefs,
		logger: logger,
	}
}

// Send posts the notification. Any non-2xx response is an error.
func (s *Service) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(NewPayload(n))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderDeliveryID, n.DeliveryID.String()).
		SetHeader(HeaderSignature, computeSignature(s.config.Secret, body)).
		SetBody(body).
		Post(s.config.URL)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode())
	}

	s.logger.Debug("webhook_notification_sent",
		zap.String("delivery_id", n.DeliveryID.String()),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}

func (s *Service) Enabled(ctx context.Context, contextID, userID int) bool {
	return notify.UserEnabled(ctx, s.prefs, s.logger, contextID, userID, s.config.Action)
}

func NewPayload(n domain.Notification) Payload {
	p := Payload{
		DeliveryID:  n.DeliveryID.String(),
		ContextID:   n.ContextID,
		AccountID:   n.AccountID,
		UserID:      n.UserID,
		Action:      string(n.Action),
		EventID:     n.EventID,
		Summary:     n.Summary,
		Start:       n.Start.UTC().Format(time.RFC3339),
		End:         n.End.UTC().Format(time.RFC3339),
		AlarmID:     n.AlarmID,
		Description: n.Description,
		TriggerTime: n.TriggerTime.UTC().Format(time.RFC3339),
	}
	if !n.Occurrence.IsZero() {
		p.Occurrence = n.Occurrence.UTC().Format(time.RFC3339)
	}
	return p
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming notifications.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
