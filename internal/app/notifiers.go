package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/circuitbreaker"
	"github.com/djlord-it/easy-alarm/internal/config"
	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/notify"
	"github.com/djlord-it/easy-alarm/internal/notify/mqtt"
	"github.com/djlord-it/easy-alarm/internal/notify/webhook"
	"github.com/djlord-it/easy-alarm/internal/store/postgres"
)

var ErrMQTTNotConfigured = errors.New("mqtt service requires MQTT_BROKER")

// wrapFunc decorates a service before it is registered.
type wrapFunc func(action domain.Action, svc notify.Service) notify.Service

func noWrap(_ domain.Action, svc notify.Service) notify.Service { return svc }

func newWrap(cfg config.Config, logger *zap.Logger) wrapFunc {
	if cfg.CircuitBreakerThreshold <= 0 {
		return noWrap
	}
	cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown, logger)
	return cb.Wrap
}

func webhookBuilder(prefs notify.Preferences, wrap wrapFunc, logger *zap.Logger) notify.Builder {
	return func(spec notify.ServiceSpec) (notify.Service, error) {
		if spec.URL == "" {
			return nil, errors.New("webhook service has no url")
		}
		timeout, err := parseTimeout(spec.Timeout)
		if err != nil {
			return nil, err
		}
		svc := webhook.New(webhook.Config{
			URL:     spec.URL,
			Secret:  spec.Secret,
			Timeout: timeout,
			Action:  spec.Action,
		}, prefs, logger.Named("webhook"))
		return wrap(spec.Action, svc), nil
	}
}

// mqttBuilder needs a connected publisher; with a nil publisher every mqtt
// entry fails to build.
func mqttBuilder(publisher mqtt.Publisher, prefs notify.Preferences, wrap wrapFunc, logger *zap.Logger) notify.Builder {
	return func(spec notify.ServiceSpec) (notify.Service, error) {
		if publisher == nil {
			return nil, ErrMQTTNotConfigured
		}
		if spec.QoS < 0 || spec.QoS > 2 {
			return nil, fmt.Errorf("invalid qos %d", spec.QoS)
		}
		timeout, err := parseTimeout(spec.Timeout)
		if err != nil {
			return nil, err
		}
		svc := mqtt.New(publisher, mqtt.Config{
			TopicPrefix: spec.TopicPrefix,
			QoS:         byte(spec.QoS),
			Timeout:     timeout,
			Action:      spec.Action,
		}, prefs, logger.Named("mqtt"))
		return wrap(spec.Action, svc), nil
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: must be positive", s)
	}
	return d, nil
}

// registerStatic registers the services configured through the environment.
// A services file loaded later replaces them per action.
func registerStatic(cfg config.Config, registry *notify.Registry, publisher mqtt.Publisher, prefs notify.Preferences, wrap wrapFunc, logger *zap.Logger) error {
	if cfg.NotifyWebhookURL != "" {
		build := webhookBuilder(prefs, wrap, logger)
		for _, action := range cfg.NotifyWebhookActions {
			svc, err := build(notify.ServiceSpec{
				Action:  action,
				Type:    "webhook",
				URL:     cfg.NotifyWebhookURL,
				Secret:  cfg.NotifyWebhookSecret,
				Timeout: cfg.NotifyWebhookTimeout.String(),
			})
			if err != nil {
				return fmt.Errorf("webhook service for %s: %w", action, err)
			}
			registry.Added(action, svc)
		}
	}

	if publisher != nil {
		build := mqttBuilder(publisher, prefs, wrap, logger)
		for _, action := range cfg.MQTTActions {
			svc, err := build(notify.ServiceSpec{
				Action:      action,
				Type:        "mqtt",
				TopicPrefix: cfg.MQTTTopicPrefix,
			})
			if err != nil {
				return fmt.Errorf("mqtt service for %s: %w", action, err)
			}
			registry.Added(action, svc)
		}
	}
	return nil
}

// registerNotifiers fills the registry on start: static services first, then
// the services file, which is then watched for changes.
func registerNotifiers(lc fx.Lifecycle, cfg config.Config, registry *notify.Registry, store *postgres.Store, logger *zap.Logger) {
	var (
		client      paho.Client
		watchCancel context.CancelFunc
		watchDone   = make(chan struct{})
	)
	wrap := newWrap(cfg, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var publisher mqtt.Publisher
			if cfg.MQTTBroker != "" {
				c, err := mqtt.Connect(mqtt.ClientConfig{
					Broker:   cfg.MQTTBroker,
					ClientID: cfg.MQTTClientID,
					Username: cfg.MQTTUsername,
					Password: cfg.MQTTPassword,
				})
				if err != nil {
					return err
				}
				client = c
				publisher = c
				logger.Info("mqtt_connected", zap.String("broker", cfg.MQTTBroker))
			}

			if err := registerStatic(cfg, registry, publisher, store, wrap, logger); err != nil {
				return err
			}

			if cfg.NotifyServicesFile == "" {
				return nil
			}

			loader := notify.NewLoader(cfg.NotifyServicesFile, registry, logger.Named("services")).
				WithBuilder("webhook", webhookBuilder(store, wrap, logger)).
				WithBuilder("mqtt", mqttBuilder(publisher, store, wrap, logger))
			if err := loader.Load(); err != nil {
				return err
			}

			watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			watchCancel = cancel
			go func() {
				defer close(watchDone)
				if err := loader.Watch(watchCtx); err != nil {
					logger.Error("services_watch_failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			if watchCancel != nil {
				watchCancel()
				<-watchDone
			}
			if client != nil {
				client.Disconnect(250)
				logger.Info("mqtt_disconnected")
			}
			return nil
		},
	})
}
