package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	MQTT        MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Analysis    AnalysisConfig    `json:"analysis" yaml:"analysis"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Retention   RetentionConfig   `json:"retention" yaml:"retention"`
	Compression CompressionConfig `json:"compression" yaml:"compression"`
}

type MQTTConfig struct {
	BrokerURL     string   `json:"broker_url" yaml:"broker_url"`
	ClientID      string   `json:"client_id" yaml:"client_id"`
	Username      string   `json:"username" yaml:"username"`
	Password      string   `json:"password" yaml:"password"`
	Topics        []string `json:"topics" yaml:"topics"`
	CleanSession  bool     `json:"clean_session" yaml:"clean_session"`
	AutoReconnect bool     `json:"auto_reconnect" yaml:"auto_reconnect"`
	KeepaliveS    int      `json:"keepalive_s" yaml:"keepalive_s"`
}

type IngestConfig struct {
	BufferCapacity int           `json:"buffer_capacity" yaml:"buffer_capacity"`
	BatchMax       int           `json:"batch_max" yaml:"batch_max"`
	BatchLinger    time.Duration `json:"batch_linger" yaml:"batch_linger"`
	ClockSkew      time.Duration `json:"clock_skew" yaml:"clock_skew"`
	ShutdownGrace  time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	Quality        QualityConfig `json:"quality" yaml:"quality"`
	Kafka          KafkaConfig   `json:"kafka" yaml:"kafka"`
}

// QualityConfig is the override table for the cross-field data-quality
// rules. The rules drop readings whose status contradicts the sensors, not
// otherwise valid anomaly readings.
type QualityConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	CriticalMinTemp float64 `json:"critical_min_temp" yaml:"critical_min_temp"`
	CriticalMinVib  float64 `json:"critical_min_vib" yaml:"critical_min_vib"`
	IdleMaxTemp     float64 `json:"idle_max_temp" yaml:"idle_max_temp"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type AnalysisConfig struct {
	ZThreshold float64 `json:"z_threshold" yaml:"z_threshold"`
	MinPoints  int     `json:"min_points" yaml:"min_points"`
	TempWarn   float64 `json:"temp_warn" yaml:"temp_warn"`
	TempCrit   float64 `json:"temp_crit" yaml:"temp_crit"`
	VibWarn    float64 `json:"vib_warn" yaml:"vib_warn"`
	VibCrit    float64 `json:"vib_crit" yaml:"vib_crit"`
}

type AuthConfig struct {
	Secret   string            `json:"secret" yaml:"secret"`
	TokenTTL time.Duration     `json:"token_ttl" yaml:"token_ttl"`
	Users    map[string]string `json:"users" yaml:"users"` // username -> bcrypt hash
}

type APIConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

type StorageConfig struct {
	Driver         string        `json:"driver" yaml:"driver"`
	DSN            string        `json:"dsn" yaml:"dsn"`
	StartupTimeout time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
}

type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type RetentionConfig struct {
	Days int `json:"days" yaml:"days"`
}

type CompressionConfig struct {
	AgeDays int `json:"age_days" yaml:"age_days"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		MQTT: MQTTConfig{
			ClientID:      "telemetryd",
			Topics:        []string{"machine/+/data"},
			CleanSession:  true,
			AutoReconnect: true,
			KeepaliveS:    60,
		},
		Ingest: IngestConfig{
			BufferCapacity: 10000,
			BatchMax:       500,
			BatchLinger:    250 * time.Millisecond,
			ClockSkew:      5 * time.Minute,
			ShutdownGrace:  30 * time.Second,
			Quality: QualityConfig{
				Enabled:         true,
				CriticalMinTemp: 50,
				CriticalMinVib:  0.5,
				IdleMaxTemp:     80,
			},
			Kafka: KafkaConfig{Enabled: false},
		},
		Analysis: AnalysisConfig{
			ZThreshold: 2.5,
			MinPoints:  10,
			TempWarn:   90,
			TempCrit:   100,
			VibWarn:    0.7,
			VibCrit:    0.8,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		API: APIConfig{
			Addr:           ":8080",
			RequestTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "file:diagnet.db?_pragma=busy_timeout(5000)",
			StartupTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     time.Minute,
		},
		Retention:   RetentionConfig{Days: 365},
		Compression: CompressionConfig{AgeDays: 30},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(content))
		if len(trimmed) == 0 {
			return nil, errors.New("config file is empty")
		}
		var decodeErr error
		if looksLikeJSON(trimmed) {
			decodeErr = json.Unmarshal([]byte(trimmed), cfg)
		} else {
			decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv overrides the settings that routinely differ between
// deployments. Secrets come in through the environment so they never sit
// in the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DIAGNET_MQTT_BROKER_URL"); v != "" {
		cfg.MQTT.BrokerURL = v
	}
	if v := os.Getenv("DIAGNET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DIAGNET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DIAGNET_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("DIAGNET_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DIAGNET_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("DIAGNET_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("DIAGNET_REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
		cfg.Cache.Enabled = true
	}
	if v := os.Getenv("DIAGNET_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Days = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if len(cfg.MQTT.Topics) == 0 {
		cfg.MQTT.Topics = []string{"machine/+/data"}
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "telemetryd"
	}
	if cfg.MQTT.KeepaliveS <= 0 {
		cfg.MQTT.KeepaliveS = 60
	}
	if cfg.Ingest.BufferCapacity <= 0 {
		cfg.Ingest.BufferCapacity = 10000
	}
	if cfg.Ingest.BatchMax <= 0 {
		cfg.Ingest.BatchMax = 500
	}
	if cfg.Ingest.BatchLinger <= 0 {
		cfg.Ingest.BatchLinger = 250 * time.Millisecond
	}
	if cfg.Ingest.ClockSkew <= 0 {
		cfg.Ingest.ClockSkew = 5 * time.Minute
	}
	if cfg.Ingest.ShutdownGrace <= 0 {
		cfg.Ingest.ShutdownGrace = 30 * time.Second
	}
	if cfg.Analysis.ZThreshold <= 0 {
		cfg.Analysis.ZThreshold = 2.5
	}
	if cfg.Analysis.MinPoints <= 0 {
		cfg.Analysis.MinPoints = 10
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.API.RequestTimeout <= 0 {
		cfg.API.RequestTimeout = 10 * time.Second
	}
	if cfg.Storage.StartupTimeout <= 0 {
		cfg.Storage.StartupTimeout = 30 * time.Second
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = time.Minute
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = 365
	}
	if cfg.Compression.AgeDays <= 0 {
		cfg.Compression.AgeDays = 30
	}
}

func Validate(cfg *Config) error {
	if cfg.MQTT.BrokerURL == "" {
		return errors.New("mqtt.broker_url is required")
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if len(cfg.Auth.Secret) < 32 {
		return errors.New("auth.secret must be at least 256 bits (32 bytes)")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "timescale":
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Analysis.TempCrit < cfg.Analysis.TempWarn {
		return errors.New("analysis.temp_crit must be >= analysis.temp_warn")
	}
	if cfg.Analysis.VibCrit < cfg.Analysis.VibWarn {
		return errors.New("analysis.vib_crit must be >= analysis.vib_warn")
	}
	if cfg.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	return nil
}

// Manager holds the loaded configuration. It is immutable after start; the
// atomic holder keeps reads cheap from every goroutine.
type Manager struct {
	path string
	cfg  atomic.Value
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already-built config, for tests.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	applyDefaults(cfg)
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}
