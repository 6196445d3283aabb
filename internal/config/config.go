// Package config loads the warden configuration file.
//
// The file is YAML. Defaults are registered first, the file second and
// WARDEN_* environment variables last, so WARDEN_HTTP_PORT=9000 overrides
// http.port from the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/warden/pkg/types"
)

// Config is the root configuration.
type Config struct {
	RuntimePath string        `mapstructure:"runtime_path" yaml:"runtime_path"`
	Daemonize   bool          `mapstructure:"daemonize" yaml:"daemonize"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	HTTP    HTTPConfig               `mapstructure:"http" yaml:"http"`
	Gateway map[string]GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Queue   QueueConfig              `mapstructure:"queue" yaml:"queue"`
	Task    TaskConfig               `mapstructure:"task" yaml:"task"`

	// Server maps a custom service name to a registered service reference.
	Server map[string]string `mapstructure:"server" yaml:"server"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths (relative to runtime_path)
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the master's Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
}

// HTTPConfig configures the HTTP bridge.
type HTTPConfig struct {
	Enable      bool           `mapstructure:"enable" yaml:"enable"`
	Host        string         `mapstructure:"host" yaml:"host"`
	Port        int            `mapstructure:"port" yaml:"port"`
	SSL         bool           `mapstructure:"ssl" yaml:"ssl"`
	SSLCert     string         `mapstructure:"ssl_cert" yaml:"ssl_cert"`
	SSLKey      string         `mapstructure:"ssl_key" yaml:"ssl_key"`
	WorkerNum   int            `mapstructure:"worker_num" yaml:"worker_num"`
	WebRoot     string         `mapstructure:"web_root" yaml:"web_root"`
	Application string         `mapstructure:"application" yaml:"application"`
	ServerName  string         `mapstructure:"server_name" yaml:"server_name"`
	Option      map[string]any `mapstructure:"option" yaml:"option"`
	Context     map[string]any `mapstructure:"context" yaml:"context"`
	HotUpdate   HotUpdate      `mapstructure:"hot_update" yaml:"hot_update"`
}

// HotUpdate configures the source watcher that reloads every worker.
type HotUpdate struct {
	Enable bool `mapstructure:"enable" yaml:"enable"`
	// Interval in seconds between scans.
	Interval   float64  `mapstructure:"interval" yaml:"interval"`
	Include    []string `mapstructure:"include" yaml:"include"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions"`
	// Mode is "poll" (mtime scan) or "notify" (fsnotify).
	Mode string `mapstructure:"mode" yaml:"mode"`
}

// GatewayConfig groups the three roles of one gateway triad.
type GatewayConfig struct {
	Register RegisterConfig      `mapstructure:"register" yaml:"register"`
	Business BusinessConfig      `mapstructure:"business" yaml:"business"`
	Gateway  GatewayListenConfig `mapstructure:"gateway" yaml:"gateway"`
}

type RegisterConfig struct {
	Enable  bool   `mapstructure:"enable" yaml:"enable"`
	Address string `mapstructure:"address" yaml:"address"`
	Secret  string `mapstructure:"secret" yaml:"secret"`
}

type BusinessConfig struct {
	Enable    bool   `mapstructure:"enable" yaml:"enable"`
	WorkerNum int    `mapstructure:"worker_num" yaml:"worker_num"`
	Handler   string `mapstructure:"handler" yaml:"handler"`
}

type GatewayListenConfig struct {
	Enable    bool           `mapstructure:"enable" yaml:"enable"`
	Socket    string         `mapstructure:"socket" yaml:"socket"`
	Protocol  string         `mapstructure:"protocol" yaml:"protocol"`
	Host      string         `mapstructure:"host" yaml:"host"`
	Port      int            `mapstructure:"port" yaml:"port"`
	WorkerNum int            `mapstructure:"worker_num" yaml:"worker_num"`
	LanIP     string         `mapstructure:"lan_ip" yaml:"lan_ip"`
	StartPort int            `mapstructure:"start_port" yaml:"start_port"`
	SSL       bool           `mapstructure:"ssl" yaml:"ssl"`
	SSLCert   string         `mapstructure:"ssl_cert" yaml:"ssl_cert"`
	SSLKey    string         `mapstructure:"ssl_key" yaml:"ssl_key"`
	Context   map[string]any `mapstructure:"context" yaml:"context"`
	Ping      PingConfig     `mapstructure:"ping" yaml:"ping"`
}

// PingConfig: every Interval seconds the gateway sends Data (if any); a
// client silent for more than Limit intervals is disconnected. Limit 0
// never disconnects.
type PingConfig struct {
	Interval float64 `mapstructure:"interval" yaml:"interval"`
	Limit    int     `mapstructure:"limit" yaml:"limit"`
	Data     string  `mapstructure:"data" yaml:"data"`
}

// QueueConfig configures queue stores and consumers.
type QueueConfig struct {
	Enable            bool                         `mapstructure:"enable" yaml:"enable"`
	DefaultConnection string                       `mapstructure:"default_connection" yaml:"default_connection"`
	Connections       map[string]StoreConfig       `mapstructure:"connections" yaml:"connections"`
	Workers           map[string]QueueWorkerConfig `mapstructure:"workers" yaml:"workers"`
}

// StoreConfig selects a storage driver: memory, sqlite or nats.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	URL    string `mapstructure:"url" yaml:"url"`
	Stream string `mapstructure:"stream" yaml:"stream"`
	// ReserveTimeout (seconds) after which a reserved job is claimable again.
	ReserveTimeout int `mapstructure:"reserve_timeout" yaml:"reserve_timeout"`
}

// QueueWorkerConfig is one queue.workers.<name> entry. Durations are seconds.
type QueueWorkerConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	Number     int    `mapstructure:"number" yaml:"number"`
	Delay      int    `mapstructure:"delay" yaml:"delay"`
	Sleep      int    `mapstructure:"sleep" yaml:"sleep"`
	Tries      int    `mapstructure:"tries" yaml:"tries"`
	Timeout    int    `mapstructure:"timeout" yaml:"timeout"`
	Connection string `mapstructure:"connection" yaml:"connection"`
}

// TaskConfig configures the task scheduler.
type TaskConfig struct {
	Enable    bool        `mapstructure:"enable" yaml:"enable"`
	WorkerNum int         `mapstructure:"worker_num" yaml:"worker_num"`
	Backoff   int         `mapstructure:"backoff" yaml:"backoff"`
	Store     StoreConfig `mapstructure:"store" yaml:"store"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		RuntimePath: "runtime/warden",
		StopTimeout: 2 * time.Second,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{Host: "127.0.0.1", Port: 9090},
		HTTP: HTTPConfig{
			Enable:     true,
			Host:       "0.0.0.0",
			Port:       2346,
			WorkerNum:  1,
			WebRoot:    "public",
			ServerName: "warden",
			HotUpdate: HotUpdate{
				Interval:   1,
				Extensions: []string{".go"},
				Mode:       "poll",
			},
		},
		Queue: QueueConfig{DefaultConnection: "default"},
		Task: TaskConfig{
			WorkerNum: 1,
			Backoff:   3,
			Store:     StoreConfig{Driver: "sqlite", Path: "tasks.db"},
		},
	}
}

// Load reads configuration from path (if non-empty) and applies environment
// overrides with the WARDEN prefix. A missing file is not an error when path
// is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("runtime_path", cfg.RuntimePath)
	v.SetDefault("daemonize", cfg.Daemonize)
	v.SetDefault("stop_timeout", cfg.StopTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.host", cfg.Metrics.Host)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("http.enable", cfg.HTTP.Enable)
	v.SetDefault("http.host", cfg.HTTP.Host)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.ssl", cfg.HTTP.SSL)
	v.SetDefault("http.worker_num", cfg.HTTP.WorkerNum)
	v.SetDefault("http.web_root", cfg.HTTP.WebRoot)
	v.SetDefault("http.server_name", cfg.HTTP.ServerName)
	v.SetDefault("http.hot_update.enable", cfg.HTTP.HotUpdate.Enable)
	v.SetDefault("http.hot_update.interval", cfg.HTTP.HotUpdate.Interval)
	v.SetDefault("http.hot_update.extensions", cfg.HTTP.HotUpdate.Extensions)
	v.SetDefault("http.hot_update.mode", cfg.HTTP.HotUpdate.Mode)
	v.SetDefault("queue.enable", cfg.Queue.Enable)
	v.SetDefault("queue.default_connection", cfg.Queue.DefaultConnection)
	v.SetDefault("task.enable", cfg.Task.Enable)
	v.SetDefault("task.worker_num", cfg.Task.WorkerNum)
	v.SetDefault("task.backoff", cfg.Task.Backoff)
	v.SetDefault("task.store.driver", cfg.Task.Store.Driver)
	v.SetDefault("task.store.path", cfg.Task.Store.Path)

	if path == "" {
		path = os.Getenv("WARDEN_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, types.NewConfigurationError("config", "read "+path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.NewConfigurationError("config", "decode", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills per-entry defaults for named sections and rejects values
// that can never start.
func (c *Config) Validate() error {
	switch normalized := strings.ToLower(strings.TrimSpace(c.Log.Level)); normalized {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return types.NewConfigurationError("log", fmt.Sprintf("invalid level %q", c.Log.Level), nil)
	}
	if c.RuntimePath == "" {
		c.RuntimePath = "runtime/warden"
	}
	if c.HTTP.WorkerNum < 1 {
		c.HTTP.WorkerNum = 1
	}
	if c.HTTP.HotUpdate.Interval <= 0 {
		c.HTTP.HotUpdate.Interval = 2
	}
	if len(c.HTTP.HotUpdate.Extensions) == 0 {
		c.HTTP.HotUpdate.Extensions = []string{".go"}
	}

	for name, g := range c.Gateway {
		if g.Gateway.LanIP == "" {
			g.Gateway.LanIP = "127.0.0.1"
		}
		if g.Gateway.StartPort == 0 {
			g.Gateway.StartPort = 2000
		}
		if g.Gateway.Protocol == "" {
			g.Gateway.Protocol = "websocket"
		}
		g.Gateway.WorkerNum = max(g.Gateway.WorkerNum, 1)
		g.Business.WorkerNum = max(g.Business.WorkerNum, 1)
		if (g.Register.Enable || g.Business.Enable || g.Gateway.Enable) && g.Register.Address == "" {
			return types.NewConfigurationError("gateway."+name, "register.address is required", nil)
		}
		c.Gateway[name] = g
	}

	for name, w := range c.Queue.Workers {
		w.Number = max(w.Number, 1)
		if w.Sleep <= 0 {
			w.Sleep = 3
		}
		if w.Timeout <= 0 {
			w.Timeout = 60
		}
		if w.Connection == "" {
			w.Connection = c.Queue.DefaultConnection
		}
		c.Queue.Workers[name] = w
	}

	if c.Task.Backoff <= 0 {
		c.Task.Backoff = 3
	}
	c.Task.WorkerNum = max(c.Task.WorkerNum, 1)
	return nil
}

// QueueWorker returns the named queue consumer configuration.
func (c *Config) QueueWorker(name string) (QueueWorkerConfig, bool) {
	w, ok := c.Queue.Workers[name]
	return w, ok
}

// Store resolves a queue connection name. The "default" connection falls
// back to a SQLite file in the runtime directory when not configured.
func (c *Config) Store(name string) (StoreConfig, error) {
	if name == "" {
		name = c.Queue.DefaultConnection
	}
	if s, ok := c.Queue.Connections[name]; ok {
		return s, nil
	}
	if name == "default" {
		return StoreConfig{Driver: "sqlite", Path: "queue.db"}, nil
	}
	return StoreConfig{}, types.NewConfigurationError("queue", fmt.Sprintf("unknown connection %q", name), nil)
}

// Render marshals the effective configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}
