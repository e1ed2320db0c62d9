package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendScylla = "scylla"

	defaultAddr           = ":8080"
	defaultTokenTTL       = 24 * time.Hour
	defaultMaxUpload      = 50 * 1000 * 1000 // 50MB
	defaultSweepCron      = "*/15 * * * *"
	defaultSweepGrace     = 24 * time.Hour
	defaultSendBuffer     = 256
	defaultKafkaTopic     = "chat-events"
	defaultKafkaGroup     = "chat-eventlog"
	defaultScyllaKeyspace = "chat"
)

// Default returns a config usable for local development with the memory
// backend and no external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            defaultAddr,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			NodeID:          1,
		},
		Auth: AuthConfig{
			Issuer:   "chatcore",
			TokenTTL: Duration(defaultTokenTTL),
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Scylla: ScyllaConfig{
				Hosts:             []string{"localhost:9042"},
				Keyspace:          defaultScyllaKeyspace,
				Consistency:       "quorum",
				Timeout:           Duration(5 * time.Second),
				ReplicationFactor: 1,
			},
		},
		Kafka: KafkaConfig{
			Topic:   defaultKafkaTopic,
			GroupID: defaultKafkaGroup,
		},
		Uploads: UploadConfig{
			Dir:         "./uploads",
			CatalogPath: "./.attachments",
			MaxSize:     SizeBytes(defaultMaxUpload),
			SweepCron:   defaultSweepCron,
			Grace:       Duration(defaultSweepGrace),
		},
		Socket: SocketConfig{
			SendBuffer: defaultSendBuffer,
			RateRPS:    20,
			RateBurst:  40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of the defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEffective loads .env (if present), the YAML file and the
// environment overrides, then validates the result.
func LoadEffective(path string) (*Config, error) {
	_ = godotenv.Load(".env")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// ApplyEnv overrides cfg with any of the supported environment variables.
func ApplyEnv(cfg *Config) error {
	var errs []error
	if v := os.Getenv("CHAT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("CHAT_NODE_ID"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAT_NODE_ID: %w", err))
		} else {
			cfg.Server.NodeID = n
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("JWT_TTL"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("JWT_TTL: %w", err))
		} else {
			cfg.Auth.TokenTTL = Duration(d)
		}
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("SCYLLA_HOSTS"); v != "" {
		cfg.Storage.Scylla.Hosts = parseList(v)
	}
	if v := os.Getenv("SCYLLA_KEYSPACE"); v != "" {
		cfg.Storage.Scylla.Keyspace = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = parseList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.Uploads.Dir = v
	}
	if v := os.Getenv("UPLOAD_MAX_SIZE"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("UPLOAD_MAX_SIZE: %w", err))
		} else {
			cfg.Uploads.MaxSize = SizeBytes(n)
		}
	}
	if v := os.Getenv("UPLOAD_SWEEP_CRON"); v != "" {
		cfg.Uploads.SweepCron = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOG_SINK"); v != "" {
		cfg.Logging.Sink = v
	}
	return errors.Join(errs...)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("server.node_id %d out of range 0..1023", c.Server.NodeID))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is empty: set JWT_SECRET"))
	}
	if c.Auth.TokenTTL.Duration() <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendScylla:
		if len(c.Storage.Scylla.Hosts) == 0 {
			errs = append(errs, errors.New("storage.scylla.hosts is empty"))
		}
		if c.Storage.Scylla.Keyspace == "" {
			errs = append(errs, errors.New("storage.scylla.keyspace is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want memory or scylla", c.Storage.Backend))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is empty"))
	}
	if c.Uploads.Dir == "" {
		errs = append(errs, errors.New("uploads.dir is empty"))
	}
	if c.Uploads.MaxSize <= 0 {
		errs = append(errs, errors.New("uploads.max_size must be positive"))
	}
	if c.Uploads.SweepCron != "" && !gronx.IsValid(c.Uploads.SweepCron) {
		errs = append(errs, fmt.Errorf("uploads.sweep_cron %q is not a valid cron expression", c.Uploads.SweepCron))
	}
	if c.Socket.SendBuffer <= 0 {
		errs = append(errs, errors.New("socket.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}
