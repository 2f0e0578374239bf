package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	gLock      sync.RWMutex
	gConfig    = Default()
	gListeners []func(*Config)
)

func decode(path string, f *os.File, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.NewDecoder(f).Decode(c)
	case ".toml":
		return toml.NewDecoder(f).Decode(c)
	case ".yaml", ".yml":
		return yaml.NewDecoder(f).Decode(c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// FromFile reads a config file on top of the defaults.
func FromFile(path string) (*Config, error) {
	config := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := decode(path, f, config); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %v: %w", path, err)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return config, nil
}

// Get returns the current configuration. Callers must not modify it.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// Set replaces the current configuration and notifies listeners.
func Set(c *Config) {
	gLock.Lock()
	gConfig = c
	listeners := append([]func(*Config){}, gListeners...)
	gLock.Unlock()
	for _, l := range listeners {
		l(c)
	}
}

// OnChange registers a function invoked after every reload.
func OnChange(fn func(*Config)) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, fn)
}

func waitForChange(ctx context.Context, path string, delay time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return ctx.Err()
}

// Load installs the config at path and keeps reloading it on change until
// ctx is done. A config that fails to parse leaves the previous one active.
func Load(ctx context.Context, path string) error {
	config, err := FromFile(path)
	if err != nil {
		return err
	}
	Set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path, config.ReloadDelay); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(config.ReloadDelay)
				}
				continue
			}

			next, err := FromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			Set(next)
		}
	}()
	return nil
}
