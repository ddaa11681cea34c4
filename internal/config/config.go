// Package config loads sshcast settings from a YAML file, the environment
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppName names the configuration directory.
const AppName = "sshcast"

// Config holds all application settings. Struct tags are used by the Viper
// mapstructure decoder.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Auth    Auth    `mapstructure:"auth"`
	KeyLog  KeyLog  `mapstructure:"keylog"`
	Tunnel  Tunnel  `mapstructure:"tunnel"`
	Metrics Metrics `mapstructure:"metrics"`
	Log     Log     `mapstructure:"log"`
}

type Server struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	HostKeyPath string `mapstructure:"host_key_path"`
	Version     string `mapstructure:"version"`
	Banner      string `mapstructure:"banner"`
	QueueSize   int    `mapstructure:"queue_size"`
}

// Addr returns the SSH listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Auth selects the public key policy. An empty AuthorizedKeys path admits
// every key.
type Auth struct {
	AuthorizedKeys string `mapstructure:"authorized_keys"`
}

type KeyLog struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Tunnel struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	TLSPort  int    `mapstructure:"tls_port"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Metrics serves Prometheus metrics on Addr when it is set.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from configPath and lets environment variables
// and changed flags override any value. An empty configPath means
// config.yaml in the configuration directory. A missing file is not an error.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		configDir = "."
	}
	if configPath == "" {
		configPath = filepath.Join(configDir, "config.yaml")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SSHCAST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("server.host", "SSHCAST_HOST")
	v.BindEnv("server.port", "SSHCAST_PORT")
	v.BindEnv("server.host_key_path", "SSHCAST_HOST_KEY")
	v.BindEnv("auth.authorized_keys", "SSHCAST_AUTHORIZED_KEYS")
	v.BindEnv("keylog.path", "SSHCAST_KEYLOG")
	v.BindEnv("metrics.addr", "SSHCAST_METRICS_ADDR")
	v.BindEnv("log.level", "SSHCAST_LOG_LEVEL")

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"host":            "server.host",
	"port":            "server.port",
	"host-key":        "server.host_key_path",
	"authorized-keys": "auth.authorized_keys",
	"metrics-addr":    "metrics.addr",
	"log-level":       "log.level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 2222)
	v.SetDefault("server.host_key_path", filepath.Join(configDir, "host_ed25519"))
	v.SetDefault("server.version", "SSH-2.0-sshcast_1.0")
	v.SetDefault("server.banner", "")
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("auth.authorized_keys", "")
	v.SetDefault("keylog.enabled", true)
	v.SetDefault("keylog.path", filepath.Join(configDir, "keys.json"))
	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.host", "0.0.0.0")
	v.SetDefault("tunnel.port", 8080)
	v.SetDefault("tunnel.tls_port", 8443)
	v.SetDefault("tunnel.cert_file", filepath.Join(configDir, "cert.pem"))
	v.SetDefault("tunnel.key_file", filepath.Join(configDir, "key.pem"))
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Server.HostKeyPath == "" {
		return errors.New("server.host_key_path must be set")
	}
	if !strings.HasPrefix(c.Server.Version, "SSH-2.0-") {
		return fmt.Errorf("server.version %q must start with SSH-2.0-", c.Server.Version)
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	}
	if c.KeyLog.Enabled && c.KeyLog.Path == "" {
		return errors.New("keylog.path must be set when the key log is enabled")
	}
	if c.Tunnel.Enabled {
		if err := validPort("tunnel.port", c.Tunnel.Port); err != nil {
			return err
		}
		if c.Tunnel.TLSPort != 0 {
			if err := validPort("tunnel.tls_port", c.Tunnel.TLSPort); err != nil {
				return err
			}
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

func validPort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", key, port)
	}
	return nil
}

// GetConfigDir returns the configuration directory for sshcast, creating it
// if needed. It follows platform conventions:
//   - $XDG_CONFIG_HOME/sshcast when XDG_CONFIG_HOME is set
//   - %APPDATA%\sshcast on Windows
//   - $HOME/.config/sshcast otherwise
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, AppName)
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, AppName)
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", AppName)
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", err
	}
	return configDir, nil
}
