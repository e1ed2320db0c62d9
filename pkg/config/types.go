package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Uploads UploadConfig  `yaml:"uploads"`
	Socket  SocketConfig  `yaml:"socket"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	NodeID          int64    `yaml:"node_id"`
}

type AuthConfig struct {
	Secret   string   `yaml:"secret"`
	Issuer   string   `yaml:"issuer"`
	TokenTTL Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	// Backend is "memory" or "scylla".
	Backend string       `yaml:"backend"`
	Scylla  ScyllaConfig `yaml:"scylla"`
}

type ScyllaConfig struct {
	Hosts             []string `yaml:"hosts"`
	Keyspace          string   `yaml:"keyspace"`
	Consistency       string   `yaml:"consistency"`
	Timeout           Duration `yaml:"timeout"`
	ReplicationFactor int      `yaml:"replication_factor"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables the event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type UploadConfig struct {
	Dir         string    `yaml:"dir"`
	CatalogPath string    `yaml:"catalog_path"`
	MaxSize     SizeBytes `yaml:"max_size"`
	SweepCron   string    `yaml:"sweep_cron"`
	Grace       Duration  `yaml:"grace"`
}

type SocketConfig struct {
	SendBuffer int     `yaml:"send_buffer"`
	RateRPS    float64 `yaml:"rate_rps"`
	RateBurst  int     `yaml:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Sink   string `yaml:"sink"`
}

// SizeBytes is a byte count that accepts strings like "50MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = SizeBytes(v)
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

func ParseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return int64(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration accepts strings like "15s" or plain numbers interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
