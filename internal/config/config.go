package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// ADS Gateway - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	MQTT   MQTTConfig   `yaml:"mqtt"`
	API    APIConfig    `yaml:"api"`
	ADS    ADSConfig    `yaml:"ads"`
	Cache  CacheConfig  `yaml:"cache"`
	Buffer BufferConfig `yaml:"buffer"`
	Queue  QueueConfig  `yaml:"queue"`
	Store  StoreConfig  `yaml:"store"`
	Events EventsConfig `yaml:"events"`
}

type MQTTConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type APIConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type ADSConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	TargetIP         string        `yaml:"target_ip"`
	TargetPort       int           `yaml:"target_port"`
	SourcePort       int           `yaml:"source_port"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
}

type CacheConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

type BufferConfig struct {
	Size int `yaml:"size"`
}

type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryCap     time.Duration `yaml:"retry_cap"`
	KeepComplete int           `yaml:"keep_complete"`
	KeepFailed   int           `yaml:"keep_failed"`
}

type StoreConfig struct {
	DataDir         string `yaml:"data_dir"`
	RetentionDays   int    `yaml:"retention_days"`
}

type EventsConfig struct {
	Debug bool `yaml:"debug"`
}

const (
	ShutdownGraceDefault = 10 * time.Second
	MetricsPortDefault   = 9090
)

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file. A missing or unreadable file is
// returned as an error together with a zero-valued Config; Get logs that
// error and lets applyEnvOverrides fill the zero-valued Config in.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return &Config{}, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.MQTT.Port = getEnvInt("MQTT_PORT", c.MQTT.Port)
	c.MQTT.Host = getEnv("MQTT_HOST", c.MQTT.Host)

	c.API.Port = getEnvInt("API_PORT", c.API.Port)
	c.API.Host = getEnv("API_HOST", c.API.Host)

	c.ADS.Host = getEnv("ADS_HOST", c.ADS.Host)
	c.ADS.Port = getEnvInt("ADS_PORT", c.ADS.Port)
	c.ADS.TargetIP = getEnv("ADS_TARGET_IP", c.ADS.TargetIP)
	c.ADS.TargetPort = getEnvInt("ADS_TARGET_PORT", c.ADS.TargetPort)
	c.ADS.SourcePort = getEnvInt("ADS_SOURCE_PORT", c.ADS.SourcePort)

	c.Cache.Host = getEnv("CACHE_HOST", c.Cache.Host)
	c.Cache.Port = getEnvInt("CACHE_PORT", c.Cache.Port)

	c.Buffer.Size = getEnvInt("BUFFER_SIZE", c.Buffer.Size)

	c.Queue.MaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	if v := getEnvInt("QUEUE_RETRY_BASE_MS", 0); v > 0 {
		c.Queue.RetryBase = time.Duration(v) * time.Millisecond
	}
	if v := getEnvInt("QUEUE_RETRY_CAP_MS", 0); v > 0 {
		c.Queue.RetryCap = time.Duration(v) * time.Millisecond
	}

	c.Store.DataDir = getEnv("DATA_DIR", c.Store.DataDir)
	c.Store.RetentionDays = getEnvInt("PERSIST_RETENTION_DAYS", c.Store.RetentionDays)

	c.Events.Debug = getEnvBool("DEBUG_EVENTS", c.Events.Debug)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.ADS.Host == "" {
		c.ADS.Host = "localhost"
	}
	if c.ADS.Port == 0 {
		c.ADS.Port = 48898
	}
	if c.ADS.TargetIP == "" {
		c.ADS.TargetIP = "127.0.0.1"
	}
	if c.ADS.TargetPort == 0 {
		c.ADS.TargetPort = 801
	}
	if c.ADS.SourcePort == 0 {
		c.ADS.SourcePort = 32750
	}
	if c.ADS.ConnectTimeout == 0 {
		c.ADS.ConnectTimeout = 5 * time.Second
	}
	if c.ADS.RPCTimeout == 0 {
		c.ADS.RPCTimeout = 2 * time.Second
	}
	if c.Cache.Host == "" {
		c.Cache.Host = "localhost"
	}
	if c.Cache.Port == 0 {
		c.Cache.Port = 6379
	}
	if c.Cache.Timeout == 0 {
		c.Cache.Timeout = 3 * time.Second
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 10000
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBase == 0 {
		c.Queue.RetryBase = time.Second
	}
	if c.Queue.RetryCap == 0 {
		c.Queue.RetryCap = 60 * time.Second
	}
	if c.Queue.KeepComplete == 0 {
		c.Queue.KeepComplete = 100
	}
	if c.Queue.KeepFailed == 0 {
		c.Queue.KeepFailed = 500
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "./data"
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 30
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// CacheAddr returns the host:port address of the configured cache backend.
func (c *Config) CacheAddr() string {
	return c.Cache.Host + ":" + strconv.Itoa(c.Cache.Port)
}
