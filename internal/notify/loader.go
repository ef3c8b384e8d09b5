package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

var ErrUnknownServiceType = errors.New("unknown notification service type")

// ServiceSpec describes one service entry of the services file.
type ServiceSpec struct {
	Action      domain.Action `yaml:"action"`
	Type        string        `yaml:"type"`
	URL         string        `yaml:"url,omitempty"`
	Secret      string        `yaml:"secret,omitempty"`
	Timeout     string        `yaml:"timeout,omitempty"`
	TopicPrefix string        `yaml:"topic_prefix,omitempty"`
	QoS         int           `yaml:"qos,omitempty"`
}

type ServicesFile struct {
	Services []ServiceSpec `yaml:"services"`
}

// Builder creates a service from its spec.
type Builder func(spec ServiceSpec) (Service, error)

type loaded struct {
	spec ServiceSpec
	svc  Service
}

// Loader keeps the registry in line with a YAML services file.
type Loader struct {
	path     string
	registry *Registry
	builders map[string]Builder
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	current map[domain.Action]loaded
}

func NewLoader(path string, registry *Registry, logger *zap.Logger) *Loader {
	return &Loader{
		path:     path,
		registry: registry,
		builders: make(map[string]Builder),
		logger:   logger,
		debounce: 200 * time.Millisecond,
		current:  make(map[domain.Action]loaded),
	}
}

// WithBuilder registers the constructor used for entries of the given type.
func (l *Loader) WithBuilder(serviceType string, b Builder) *Loader {
	l.builders[serviceType] = b
	return l
}

// Load reads the file and reconciles the registry. Unchanged entries keep
// their service instance.
func (l *Loader) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read services file: %w", err)
	}

	var file ServicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse services file: %w", err)
	}

	wanted := make(map[domain.Action]ServiceSpec, len(file.Services))
	for _, spec := range file.Services {
		if spec.Action == "" {
			return fmt.Errorf("services file: entry of type %q has no action", spec.Type)
		}
		if _, ok := l.builders[spec.Type]; !ok {
			return fmt.Errorf("services file: %w: %q", ErrUnknownServiceType, spec.Type)
		}
		wanted[spec.Action] = spec
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for action, cur := range l.current {
		spec, ok := wanted[action]
		if ok && spec == cur.spec {
			continue
		}
		l.registry.Removed(action, cur.svc)
		delete(l.current, action)
	}

	var errs []error
	for action, spec := range wanted {
		if _, ok := l.current[action]; ok {
			continue
		}
		svc, err := l.builders[spec.Type](spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("build %s service for %s: %w", spec.Type, action, err))
			continue
		}
		l.current[action] = loaded{spec: spec, svc: svc}
		l.registry.Added(action, svc)
	}

	return errors.Join(errs...)
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}

	name := filepath.Clean(l.path)
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload = time.After(l.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("services_watch_error", zap.Error(err))
		case <-reload:
			reload = nil
			if err := l.Load(); err != nil {
				l.logger.Error("services_reload_failed", zap.String("path", l.path), zap.Error(err))
				continue
			}
			l.logger.Info("services_reloaded", zap.String("path", l.path))
		}
	}
}
