package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/hidlistener/internal/ipc"
)

// TapsConfig selects which taps are created at initialization.
type TapsConfig struct {
	Keyboard bool `mapstructure:"keyboard"`
	Media    bool `mapstructure:"media"`
	Mouse    bool `mapstructure:"mouse"`
}

// WebsocketConfig configures the optional remote forwarder.
type WebsocketConfig struct {
	URL       string   `mapstructure:"url"`
	Token     string   `mapstructure:"token"`
	QueueSize int      `mapstructure:"queue_size"`
	Streams   []string `mapstructure:"streams"`
}

type Config struct {
	SocketPath            string          `mapstructure:"socket_path"`
	LogLevel              string          `mapstructure:"log_level"`
	LogFormat             string          `mapstructure:"log_format"`
	LogFile               string          `mapstructure:"log_file"`
	LogMaxSizeMB          int             `mapstructure:"log_max_size_mb"`
	LogMaxBackups         int             `mapstructure:"log_max_backups"`
	StartEnabled          bool            `mapstructure:"start_enabled"`
	OwnerQueueSize        int             `mapstructure:"owner_queue_size"`
	ConsumerQueueSize     int             `mapstructure:"consumer_queue_size"`
	HealthIntervalSeconds int             `mapstructure:"health_interval_seconds"`
	Taps                  TapsConfig      `mapstructure:"taps"`
	Websocket             WebsocketConfig `mapstructure:"websocket"`
	ReplayFile            string          `mapstructure:"replay_file"`
}

func Default() *Config {
	return &Config{
		SocketPath:            ipc.DefaultSocketPath(),
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
		StartEnabled:          true,
		OwnerQueueSize:        256,
		ConsumerQueueSize:     512,
		HealthIntervalSeconds: 15,
		Taps:                  TapsConfig{Keyboard: true, Media: true, Mouse: true},
		Websocket: WebsocketConfig{
			QueueSize: 1024,
			Streams:   []string{string(ipc.StreamKeyboard), string(ipc.StreamMouse)},
		},
	}
}

// newViper returns a viper instance with every key defaulted, so that
// HIDLISTENER_* environment variables override nested keys too.
func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("socket_path", d.SocketPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)
	v.SetDefault("start_enabled", d.StartEnabled)
	v.SetDefault("owner_queue_size", d.OwnerQueueSize)
	v.SetDefault("consumer_queue_size", d.ConsumerQueueSize)
	v.SetDefault("health_interval_seconds", d.HealthIntervalSeconds)
	v.SetDefault("taps.keyboard", d.Taps.Keyboard)
	v.SetDefault("taps.media", d.Taps.Media)
	v.SetDefault("taps.mouse", d.Taps.Mouse)
	v.SetDefault("websocket.url", d.Websocket.URL)
	v.SetDefault("websocket.token", d.Websocket.Token)
	v.SetDefault("websocket.queue_size", d.Websocket.QueueSize)
	v.SetDefault("websocket.streams", d.Websocket.Streams)
	v.SetDefault("replay_file", d.ReplayFile)

	v.SetEnvPrefix("HIDLISTENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile, or hidlistener.yaml from the config directory or the
// working directory when cfgFile is empty. A missing default file is not an
// error.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("hidlistener")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location when
// cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) (string, error) {
	v := viper.New()
	v.Set("socket_path", cfg.SocketPath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("start_enabled", cfg.StartEnabled)
	v.Set("owner_queue_size", cfg.OwnerQueueSize)
	v.Set("consumer_queue_size", cfg.ConsumerQueueSize)
	v.Set("health_interval_seconds", cfg.HealthIntervalSeconds)
	v.Set("taps.keyboard", cfg.Taps.Keyboard)
	v.Set("taps.media", cfg.Taps.Media)
	v.Set("taps.mouse", cfg.Taps.Mouse)
	v.Set("websocket.url", cfg.Websocket.URL)
	v.Set("websocket.token", cfg.Websocket.Token)
	v.Set("websocket.queue_size", cfg.Websocket.QueueSize)
	v.Set("websocket.streams", cfg.Websocket.Streams)
	v.Set("replay_file", cfg.ReplayFile)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "hidlistener.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return "", err
	}

	// Owner-only: the file may carry the forwarder token.
	return cfgPath, os.Chmod(cfgPath, 0o600)
}

// ConfigDir is the per-user configuration directory.
func ConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hidlistener")
	}
	return "."
}
