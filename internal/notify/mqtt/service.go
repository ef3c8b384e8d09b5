// Package mqtt publishes alarm notifications to an MQTT broker, one topic per user.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/notify"
	"github.com/djlord-it/easy-alarm/internal/notify/webhook"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Publisher is the subset of paho.Client the service needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Connect opens a broker connection with auto reconnect.
func Connect(cfg ClientConfig) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return client, nil
}

type Config struct {
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
	Action      domain.Action
}

type Service struct {
	publisher Publisher
	config    Config
	prefs     notify.Preferences
	logger    *zap.Logger
}

var _ notify.Service = (*Service)(nil)

func New(publisher Publisher, config Config, prefs notify.Preferences, logger *zap.Logger) *Service {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "alarms"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if prefs == nil {
		prefs = notify.AllowAll()
	}
	return &Service{publisher: publisher, config: config, prefs: prefs, logger: logger}
}

// Topic returns the topic notifications for a user are published to.
func (s *Service) Topic(contextID, userID int) string {
	return fmt.Sprintf("%s/%d/%d", s.config.TopicPrefix, contextID, userID)
}

func (s *Service) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(webhook.NewPayload(n))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	topic := s.Topic(n.ContextID, n.UserID)
	token := s.publisher.Publish(topic, s.config.QoS, false, body)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.config.Timeout):
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	s.logger.Debug("mqtt_notification_sent",
		zap.String("delivery_id", n.DeliveryID.String()),
		zap.String("topic", topic),
	)
	return nil
}

func (s *Service) Enabled(ctx context.Context, contextID, userID int) bool {
	return notify.UserEnabled(ctx, s.prefs, s.logger, contextID, userID, s.config.Action)
}
