package config

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Manager owns the live configuration. It reloads the file on demand and
// notifies registered callbacks after every accepted change.
type Manager struct {
	configPath string
	logger     *slog.Logger

	// Initial admin password (shown once on first run)
	initialAdminPassword string

	mu              sync.RWMutex
	config          *Config
	changeCallbacks []func(*Config)
}

// ResolvePath picks the config path: an explicit flag value wins over the
// environment, which wins over the default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath
}

// NewManager loads and validates the config at configPath. When the file
// does not exist a default config with a generated admin password is
// written there.
func NewManager(configPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cm := &Manager{
		configPath: configPath,
		logger:     logger,
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

func (cm *Manager) load() (*Config, error) {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		return cm.createInitialConfig()
	}

	cfg, err := Load(cm.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createInitialConfig writes a default config for first run
func (cm *Manager) createInitialConfig() (*Config, error) {
	cfg := DefaultConfig()
	cm.initialAdminPassword = generateSecurePassword(16)
	cfg.Admin.Password = cm.initialAdminPassword

	if err := cfg.Save(cm.configPath); err != nil {
		return nil, fmt.Errorf("failed to save initial config: %w", err)
	}

	cm.logger.Warn("first run: created default configuration, save the admin password",
		"path", cm.configPath,
		"admin_user", cfg.Admin.User,
		"admin_password", cm.initialAdminPassword)

	return cfg, nil
}

// InitialAdminPassword returns the generated admin password (first run only)
func (cm *Manager) InitialAdminPassword() string {
	return cm.initialAdminPassword
}

// Path returns the config file path
func (cm *Manager) Path() string {
	return cm.configPath
}

// Get returns a copy of the current configuration
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Clone()
}

// OnChange registers a callback for configuration changes
func (cm *Manager) OnChange(callback func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.changeCallbacks = append(cm.changeCallbacks, callback)
}

func (cm *Manager) notifyChange(cfg *Config) {
	cm.mu.RLock()
	callbacks := append(([]func(*Config))(nil), cm.changeCallbacks...)
	cm.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg.Clone())
	}
}

// Reload re-reads the file. An invalid file is rejected and the previous
// configuration stays in effect.
func (cm *Manager) Reload() error {
	cfg, err := Load(cm.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		cm.logger.Error("config reload rejected", "path", cm.configPath, "error", err)
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	cm.logger.Info("configuration reloaded", "path", cm.configPath)
	cm.notifyChange(cfg)
	return nil
}

// Update applies fn to a copy of the config, validates and saves it, and
// notifies callbacks.
func (cm *Manager) Update(fn func(*Config)) error {
	cm.mu.Lock()
	next := cm.config.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		cm.mu.Unlock()
		return err
	}
	if err := next.Save(cm.configPath); err != nil {
		cm.mu.Unlock()
		return err
	}
	cm.config = next
	cm.mu.Unlock()

	cm.notifyChange(next)
	return nil
}

// generateSecurePassword generates a cryptographically secure random password
func generateSecurePassword(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	bytes := make([]byte, length)
	rand.Read(bytes)
	for i := range bytes {
		bytes[i] = charset[int(bytes[i])%len(charset)]
	}
	return string(bytes)
}
