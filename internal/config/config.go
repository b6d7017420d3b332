package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service settings. Load from env and/or an optional YAML
// file named by PROCESS_MANAGER_CONFIG_FILE (env wins over file).
type Config struct {
	Host      string // bind address
	Port      int    // bind port
	APIKey    string // bearer key; empty = load/generate under DataDir
	AutoStart bool   // start every loaded config on boot
	LogLevel  string // logrus level name

	GracePeriod   time.Duration // polite-terminate → kill interval on stop
	MaxRestarts   int           // involuntary restarts before giving up
	RestartWindow time.Duration // window over which MaxRestarts applies

	DataDir string // catalog, history DB, api_key and default logs live here
}

// fileConfig mirrors Config for the optional YAML overlay. Zero values mean
// "not set" so env and built-in defaults still apply.
type fileConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	APIKey        string `yaml:"api_key"`
	AutoStart     *bool  `yaml:"auto_start"`
	LogLevel      string `yaml:"log_level"`
	GracePeriod   string `yaml:"grace_period"`
	MaxRestarts   int    `yaml:"max_restarts"`
	RestartWindow string `yaml:"restart_window"`
	DataDir       string `yaml:"data_dir"`
}

// Load reads config from the optional YAML file, then the environment.
// Call LoadEnvFile(".env") before Load() to use a .env file.
func Load() *Config {
	c := &Config{
		Host:          "127.0.0.1",
		Port:          53211,
		AutoStart:     true,
		LogLevel:      "info",
		GracePeriod:   5 * time.Second,
		MaxRestarts:   5,
		RestartWindow: 60 * time.Second,
	}
	if path := os.Getenv("PROCESS_MANAGER_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "config file %s: %v\n", path, err)
		}
	}
	c.Host = getEnv("PROCESS_MANAGER_HOST", c.Host)
	c.Port = getEnvInt("PROCESS_MANAGER_PORT", c.Port)
	if v := os.Getenv("PROCESS_MANAGER_API_KEY"); v != "" {
		c.APIKey = v
	}
	c.AutoStart = getEnvBool("PROCESS_MANAGER_AUTO_START", c.AutoStart)
	c.LogLevel = getEnv("PROCESS_MANAGER_LOG_LEVEL", c.LogLevel)
	c.GracePeriod = getEnvDuration("PROCESS_MANAGER_GRACE_PERIOD", c.GracePeriod)
	c.MaxRestarts = getEnvInt("PROCESS_MANAGER_MAX_RESTARTS", c.MaxRestarts)
	c.RestartWindow = getEnvDuration("PROCESS_MANAGER_RESTART_WINDOW", c.RestartWindow)
	c.DataDir = getEnv("PROCESS_MANAGER_DATA_DIR", c.DataDir)
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 53211
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	return c
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.APIKey != "" {
		c.APIKey = fc.APIKey
	}
	if fc.AutoStart != nil {
		c.AutoStart = *fc.AutoStart
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.GracePeriod != "" {
		if d, err := time.ParseDuration(fc.GracePeriod); err == nil {
			c.GracePeriod = d
		}
	}
	if fc.MaxRestarts != 0 {
		c.MaxRestarts = fc.MaxRestarts
	}
	if fc.RestartWindow != "" {
		if d, err := time.ParseDuration(fc.RestartWindow); err == nil {
			c.RestartWindow = d
		}
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	return nil
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// CatalogPath is the persisted process catalog file.
func (c *Config) CatalogPath() string { return filepath.Join(c.DataDir, "process_configs.json") }

// HistoryPath is the sqlite lifecycle-event journal.
func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "events.db") }

// LogDir is where processes without an explicit log_file write their output.
// No rotation happens here; rotate externally (the file is reopened on every
// process start, so copytruncate-style rotation is safe).
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

func (c *Config) apiKeyPath() string { return filepath.Join(c.DataDir, "api_key") }

// EnsureAPIKey returns the configured key, or loads/generates one under
// DataDir. Generated keys are persisted 0600 so they survive restarts.
func (c *Config) EnsureAPIKey() (key string, generated bool, err error) {
	if c.APIKey != "" {
		return c.APIKey, false, nil
	}
	path := c.apiKeyPath()
	if data, readErr := os.ReadFile(path); readErr == nil {
		if k := strings.TrimSpace(string(data)); k != "" {
			c.APIKey = k
			return k, false, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate api key: %w", err)
	}
	key = hex.EncodeToString(buf)
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return "", false, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", false, fmt.Errorf("persist api key: %w", err)
	}
	c.APIKey = key
	return key, true, nil
}

// defaultDataDir resolves the platform config directory:
// Windows %APPDATA%\OpenListService, macOS ~/Library/Application Support/OpenListService,
// elsewhere $XDG_CONFIG_HOME/openlist-service (or ~/.config/openlist-service).
func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "OpenListService")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "OpenListService")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "OpenListService")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "openlist-service")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "openlist-service")
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return defaultVal
}
