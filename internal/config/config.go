package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ProviderConfig selects the decision model and its credentials.
type ProviderConfig struct {
	Provider     string  `json:"provider"` // "anthropic", "openai", or "google"
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key,omitempty"`
	APIKeyEnvVar string  `json:"api_key_env,omitempty"`
	BaseURL      string  `json:"base_url,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// BackendConfig describes a seed tool backend applied to every tenant at startup.
type BackendConfig struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	DiscoveryOp string            `json:"discovery_op,omitempty"` // set for workflow-index backends
	Disabled    bool              `json:"disabled,omitempty"`
}

// Config represents application configuration
type Config struct {
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"` // debug, info, warn, error, none
	LogPath    string `json:"-"`

	Provider ProviderConfig `json:"provider"`

	// Seed backends, keyed by backend name. Registered for each tenant on
	// first contact; live edits to the config file replace them at runtime.
	Backends map[string]*BackendConfig `json:"backends,omitempty"`

	RemovalCooldownSeconds int `json:"removal_cooldown_seconds"`
	TenantTTLSeconds       int `json:"tenant_ttl_seconds"`
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds"`
	SettleDelayMs          int `json:"settle_delay_ms"`
	BackendTimeoutSeconds  int `json:"backend_timeout_seconds"`

	HistoryWindowTurns int `json:"history_window_turns"`
	HistoryTokenBudget int `json:"history_token_budget"`
	MaxGraphLoops      int `json:"max_graph_loops"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "agenthub")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "agenthub")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agenthub")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agenthub")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "agenthub")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "agenthub")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "agenthub")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agenthub")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		ListenAddr: "127.0.0.1:8720",
		LogLevel:   "info",
		LogPath:    filepath.Join(stateDir, "agenthub.log"),
		Provider: ProviderConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-20250514",
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			Temperature:  0.2,
			MaxTokens:    4096,
		},
		Backends:               make(map[string]*BackendConfig),
		RemovalCooldownSeconds: 10,
		TenantTTLSeconds:       3600,
		CleanupIntervalSeconds: 300,
		SettleDelayMs:          500,
		BackendTimeoutSeconds:  30,
		HistoryWindowTurns:     20,
		HistoryTokenBudget:     24000,
		MaxGraphLoops:          8,
	}
}

// PidPath returns the pidfile location in the state directory.
func (c *Config) PidPath() string {
	return filepath.Join(defaultStateDir(), "agenthub.pid")
}

// Load loads configuration from file, merging over defaults. A missing file
// yields the default configuration.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8720"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "agenthub.log")
	}
	if config.Backends == nil {
		config.Backends = make(map[string]*BackendConfig)
	}
	if config.RemovalCooldownSeconds <= 0 {
		config.RemovalCooldownSeconds = 10
	}
	if config.TenantTTLSeconds <= 0 {
		config.TenantTTLSeconds = 3600
	}
	if config.CleanupIntervalSeconds <= 0 {
		config.CleanupIntervalSeconds = 300
	}
	if config.SettleDelayMs < 0 {
		config.SettleDelayMs = 500
	}
	if config.BackendTimeoutSeconds <= 0 {
		config.BackendTimeoutSeconds = 30
	}
	if config.HistoryWindowTurns <= 0 {
		config.HistoryWindowTurns = 20
	}
	if config.HistoryTokenBudget <= 0 {
		config.HistoryTokenBudget = 24000
	}
	if config.MaxGraphLoops <= 0 {
		config.MaxGraphLoops = 8
	}

	return config, nil
}

// ResolveAPIKey returns the provider API key, consulting the configured
// environment variable when the literal key is empty.
func (p *ProviderConfig) ResolveAPIKey() (string, error) {
	if p.APIKey != "" {
		return p.APIKey, nil
	}
	if p.APIKeyEnvVar != "" {
		if key := strings.TrimSpace(os.Getenv(p.APIKeyEnvVar)); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("environment variable %s is not set", p.APIKeyEnvVar)
	}
	return "", fmt.Errorf("no API key configured for provider %s", p.Provider)
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
