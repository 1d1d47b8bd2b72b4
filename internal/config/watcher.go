package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Settings that only take effect after a restart.
var restartOnlyKeys = []string{
	"XEN_HOST", "XEN_USER", "XEN_PASSWORD", "XEN_VERIFY_SSL", "XEN_FINGERPRINT",
	"INVENTORY_INTERVAL", "EVENT_INTERVAL", "METRICS_INTERVAL",
	"FAILURE_POLICY", "NOTIFY_MODE", "ADVANCE_EVENT_CURSOR", "LISTEN_ADDR",
}

// ConfigWatcher follows the .env file and applies settings that can change at
// runtime. Today that is LOG_LEVEL.
type ConfigWatcher struct {
	config       *Config
	envPath      string
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	debounce     time.Duration
	pollInterval time.Duration
	lastModTime  time.Time
	snapshot     map[string]string
	mu           sync.Mutex
	onLogLevel   func(level string)
}

// NewConfigWatcher creates a watcher for config.EnvPath(). onLogLevel is
// called with the new level whenever LOG_LEVEL changes.
func NewConfigWatcher(config *Config, onLogLevel func(level string)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:       config,
		envPath:      config.EnvPath(),
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		debounce:     100 * time.Millisecond,
		pollInterval: 5 * time.Second,
		onLogLevel:   onLogLevel,
	}

	if stat, err := os.Stat(cw.envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	if envMap, err := godotenv.Read(cw.envPath); err == nil {
		cw.snapshot = envMap
	}
	return cw, nil
}

// Start begins watching; it falls back to polling when the directory cannot
// be watched.
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory; falling back to polling")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig triggers a reload by hand, e.g. on SIGHUP.
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(cw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(cw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			if changed {
				cw.lastModTime = stat.ModTime()
			}
			cw.mu.Unlock()
			if changed {
				log.Info().Msg("Detected .env file change via polling")
				cw.reloadConfig()
			}
		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	cw.mu.Lock()
	previous := cw.snapshot
	cw.snapshot = envMap

	var applied []string
	var callback func(string)
	newLevel := strings.ToLower(strings.Trim(envMap["LOG_LEVEL"], "'\" "))
	if newLevel != "" && newLevel != cw.config.LogLevel && !cw.config.EnvOverrides["LOG_LEVEL"] {
		cw.config.LogLevel = newLevel
		applied = append(applied, "log level")
		callback = cw.onLogLevel
	}

	var pending []string
	for _, key := range restartOnlyKeys {
		if previous[key] != envMap[key] {
			pending = append(pending, key)
		}
	}
	cw.mu.Unlock()

	if callback != nil {
		callback(newLevel)
	}

	if len(pending) > 0 {
		log.Warn().Strs("keys", pending).Msg("Changed settings take effect after restart")
	}
	if len(applied) > 0 {
		log.Info().Strs("changes", applied).Str("level", newLevel).Msg("Applied .env file changes to runtime config")
	} else {
		log.Debug().Msg("No runtime-applicable changes detected in .env file")
	}
}

// LogLevel returns the currently applied log level.
func (cw *ConfigWatcher) LogLevel() string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.config.LogLevel
}
