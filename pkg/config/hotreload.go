package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"callpilot/pkg/errors"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// HotReloadManager watches the .env file and rebuilds the configuration
// when it changes
type HotReloadManager struct {
	configPath   string
	config       *Config
	validator    *ConfigValidator
	logger       *logrus.Logger
	watcher      *fsnotify.Watcher
	callbacks    []ReloadCallback
	mutex        sync.RWMutex
	reloadMu     sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	reloadChan   chan struct{}
	wg           sync.WaitGroup
	enabled      bool
	debounceTime time.Duration
}

// ReloadCallback is invoked after a successful reload
type ReloadCallback func(oldConfig, newConfig *Config) error

// ReloadEvent describes one reload attempt
type ReloadEvent struct {
	Timestamp   time.Time           `json:"timestamp"`
	ConfigPath  string              `json:"config_path"`
	Success     bool                `json:"success"`
	Changes     []ConfigChange      `json:"changes,omitempty"`
	Errors      []ValidationError   `json:"errors,omitempty"`
	Warnings    []ValidationWarning `json:"warnings,omitempty"`
	ReloadTime  time.Duration       `json:"reload_time"`
	TriggerType string              `json:"trigger_type"` // "file" or "api"
}

// ConfigChange names a configuration section whose values changed
type ConfigChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
	Type     string      `json:"type"`
}

// NewHotReloadManager creates a manager for the .env file the configuration
// was loaded from
func NewHotReloadManager(config *Config, logger *logrus.Logger) (*HotReloadManager, error) {
	if config.EnvFile == "" {
		return nil, errors.NewInvalidInput("hot reload needs a .env file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	debounce := config.HotReload.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HotReloadManager{
		configPath:   config.EnvFile,
		config:       config,
		validator:    NewConfigValidator(logger),
		logger:       logger,
		watcher:      watcher,
		ctx:          ctx,
		cancel:       cancel,
		reloadChan:   make(chan struct{}, 1),
		debounceTime: debounce,
	}, nil
}

// Start begins watching the file
func (h *HotReloadManager) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.enabled {
		return fmt.Errorf("hot-reload manager already started")
	}

	// Editors often replace the file instead of writing it, so watch the
	// directory and filter by name.
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return errors.Wrap(err, "failed to watch config directory")
	}

	h.enabled = true
	h.wg.Add(2)
	go h.watchFiles()
	go h.handleReloads()

	h.logger.WithField("config_path", h.configPath).Info("Configuration hot-reload manager started")
	return nil
}

// Stop stops watching and waits for the background goroutines
func (h *HotReloadManager) Stop() error {
	h.mutex.Lock()
	if !h.enabled {
		h.mutex.Unlock()
		return fmt.Errorf("hot-reload manager not started")
	}
	h.enabled = false
	h.mutex.Unlock()

	h.cancel()
	err := h.watcher.Close()
	h.wg.Wait()

	h.logger.Info("Configuration hot-reload manager stopped")
	return err
}

// AddCallback registers a reload callback
func (h *HotReloadManager) AddCallback(callback ReloadCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.callbacks = append(h.callbacks, callback)
}

// TriggerReload reloads immediately
func (h *HotReloadManager) TriggerReload() (*ReloadEvent, error) {
	return h.performReload("api")
}

// GetCurrentConfig returns a copy of the active configuration
func (h *HotReloadManager) GetCurrentConfig() *Config {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return copyConfig(h.config)
}

// IsEnabled reports whether the manager is watching
func (h *HotReloadManager) IsEnabled() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.enabled
}

func (h *HotReloadManager) watchFiles() {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("File watcher panic recovered")
		}
	}()

	target := filepath.Clean(h.configPath)
	for {
		select {
		case <-h.ctx.Done():
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			select {
			case h.reloadChan <- struct{}{}:
				h.logger.WithField("event", event.Op.String()).Debug("Configuration reload triggered by file change")
			default:
				h.logger.Debug("Configuration reload already pending")
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (h *HotReloadManager) handleReloads() {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("Reload handler panic recovered")
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.reloadChan:
		}

		// Let a burst of writes settle before reading the file
		timer := time.NewTimer(h.debounceTime)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-h.reloadChan:
		default:
		}

		if _, err := h.performReload("file"); err != nil {
			h.logger.WithError(err).Error("Configuration reload failed")
		}
	}
}

func (h *HotReloadManager) performReload(triggerType string) (*ReloadEvent, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	startTime := time.Now()
	event := &ReloadEvent{
		Timestamp:   startTime,
		ConfigPath:  h.configPath,
		TriggerType: triggerType,
	}

	h.logger.WithField("trigger", triggerType).Info("Starting configuration reload")

	if err := godotenv.Overload(h.configPath); err != nil {
		event.ReloadTime = time.Since(startTime)
		return event, errors.Wrap(err, "failed to read .env file", map[string]interface{}{"path": h.configPath})
	}

	newConfig, err := build(h.logger, h.configPath)
	if err != nil {
		event.ReloadTime = time.Since(startTime)
		return event, errors.Wrap(err, "failed to load configuration")
	}
	event.Warnings = h.validator.ValidateConfig(newConfig).Warnings

	h.mutex.Lock()
	oldConfig := h.config
	h.config = newConfig
	callbacks := append([]ReloadCallback(nil), h.callbacks...)
	h.mutex.Unlock()

	event.Changes = detectChanges(oldConfig, newConfig)

	var failed int
	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			failed++
			h.logger.WithError(err).Error("Configuration reload callback failed")
		}
	}

	event.Success = failed == 0
	event.ReloadTime = time.Since(startTime)
	if failed > 0 {
		return event, fmt.Errorf("%d reload callback(s) failed", failed)
	}

	fields := make([]string, 0, len(event.Changes))
	for _, change := range event.Changes {
		fields = append(fields, change.Field)
	}
	h.logger.WithFields(logrus.Fields{
		"changes":     strings.Join(fields, ","),
		"reload_time": event.ReloadTime,
	}).Info("Configuration reload completed successfully")

	return event, nil
}

// detectChanges compares the configurations section by section
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	changes := make([]ConfigChange, 0)

	oldValue := reflect.ValueOf(oldConfig).Elem()
	newValue := reflect.ValueOf(newConfig).Elem()
	configType := oldValue.Type()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" || name == "env_file" {
			continue
		}

		before := oldValue.Field(i).Interface()
		after := newValue.Field(i).Interface()
		if reflect.DeepEqual(before, after) {
			continue
		}
		changes = append(changes, ConfigChange{
			Field:    name,
			OldValue: before,
			NewValue: after,
			Type:     "modified",
		})
	}

	return changes
}

func copyConfig(config *Config) *Config {
	newConfig := *config
	newConfig.HTTPRateLimit.WhitelistedIPs = append([]string(nil), config.HTTPRateLimit.WhitelistedIPs...)
	newConfig.HTTPRateLimit.WhitelistedPaths = append([]string(nil), config.HTTPRateLimit.WhitelistedPaths...)
	newConfig.Webhook.Endpoints = append([]string(nil), config.Webhook.Endpoints...)
	return &newConfig
}
