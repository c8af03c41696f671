package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"scribe/encoder"
)

const (
	EnvPrefix = "SCRIBE"

	DefaultBackendURL = "ws://localhost:8000/ws"
)

type Config struct {
	BackendURL           string        `mapstructure:"backend_url"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ChunkSamples         int           `mapstructure:"chunk_samples"`
	BlobInterval         time.Duration `mapstructure:"blob_interval"`
	FallbackFormat       string        `mapstructure:"fallback_format"`
	ForceFallback        bool          `mapstructure:"force_fallback"`
	Device               string        `mapstructure:"device"`
	LogPath              string        `mapstructure:"log_path"`
	Hotkey               bool          `mapstructure:"hotkey"`
}

func Default() *Config {
	return &Config{
		BackendURL:           DefaultBackendURL,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 5,
		ChunkSamples:         encoder.ChunkSamples,
		BlobInterval:         100 * time.Millisecond,
		FallbackFormat:       string(encoder.FormatWAV),
	}
}

// Load merges defaults, an optional .env file, the config file and SCRIBE_*
// environment variables, in increasing priority. With an empty cfgFile
// scribe.yaml is looked up in the user config dir and the working dir; a
// missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	def := Default()
	v.SetDefault("backend_url", def.BackendURL)
	v.SetDefault("reconnect_delay", def.ReconnectDelay)
	v.SetDefault("max_reconnect_attempts", def.MaxReconnectAttempts)
	v.SetDefault("chunk_samples", def.ChunkSamples)
	v.SetDefault("blob_interval", def.BlobInterval)
	v.SetDefault("fallback_format", def.FallbackFormat)
	v.SetDefault("force_fallback", def.ForceFallback)
	v.SetDefault("device", def.Device)
	v.SetDefault("log_path", def.LogPath)
	v.SetDefault("hotkey", def.Hotkey)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("scribe")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Format() encoder.Format {
	f, err := encoder.ParseFormat(c.FallbackFormat)
	if err != nil {
		return encoder.FormatWAV
	}
	return f
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return fmt.Errorf("backend_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("backend_url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("backend_url: missing host")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max_reconnect_attempts must be at least 1, got %d", c.MaxReconnectAttempts)
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("chunk_samples must be positive, got %d", c.ChunkSamples)
	}
	if c.BlobInterval <= 0 {
		return fmt.Errorf("blob_interval must be positive, got %s", c.BlobInterval)
	}
	if _, err := encoder.ParseFormat(c.FallbackFormat); err != nil {
		return fmt.Errorf("fallback_format: %w", err)
	}
	return nil
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scribe")
}
