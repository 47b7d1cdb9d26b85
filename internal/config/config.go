package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mail dispatch service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Mailer   MailerConfig   `yaml:"mailer"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "postgres" or "memory"
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig enables the live progress cache when URL is set.
type RedisConfig struct {
	URL        string `yaml:"url"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

type QueueConfig struct {
	Driver  string `yaml:"driver"` // "memory" or "amqp"
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
	Buffer  int    `yaml:"buffer"`
	// LeaseSeconds is how long a claimed job may go without a heartbeat
	// before a sweep fails it.
	LeaseSeconds int `yaml:"lease_seconds"`
}

func (c QueueConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

type StorageConfig struct {
	Driver             string `yaml:"driver"` // "local" or "s3"
	Dir                string `yaml:"dir"`
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

type MailerConfig struct {
	Driver             string  `yaml:"driver"` // "smtp", "ses" or "mock"
	FromAddress        string  `yaml:"from_address"`
	FromName           string  `yaml:"from_name"`
	SMTPHost           string  `yaml:"smtp_host"`
	SMTPPort           int     `yaml:"smtp_port"`
	SMTPUsername       string  `yaml:"smtp_username"`
	SMTPPassword       string  `yaml:"smtp_password"`
	SESRegion          string  `yaml:"ses_region"`
	SESAccessKey       string  `yaml:"ses_access_key"`
	SESSecretKey       string  `yaml:"ses_secret_key"`
	SendTimeoutSeconds int     `yaml:"send_timeout_seconds"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	MockFailureRate    float64 `yaml:"mock_failure_rate"`
}

func (c MailerConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// AuthConfig maps operator bearer tokens to staff IDs.
type AuthConfig struct {
	Tokens map[string]int `yaml:"tokens"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a config usable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Driver: "postgres", MaxOpenConns: 10},
		Redis:    RedisConfig{TTLMinutes: 24 * 60},
		Queue: QueueConfig{
			Driver:  "memory",
			Name:    "campaign_jobs",
			Workers:      4,
			Buffer:       64,
			LeaseSeconds: 120,
		},
		Storage: StorageConfig{
			Driver:             "local",
			Dir:                "./data/attachments",
			Prefix:             "campaigns/",
			MaxAttachmentBytes: 10 << 20,
		},
		Mailer: MailerConfig{
			Driver:             "mock",
			FromAddress:        "no-reply@rally.local",
			FromName:           "Rally Race Office",
			SMTPPort:           587,
			SendTimeoutSeconds: 30,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads .env (if present), the optional YAML file and then applies
// environment overrides. An empty path skips the file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	} else if c.Database.URL == "" && os.Getenv("DB_HOST") != "" {
		c.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_HOST"), os.Getenv("DB_PORT"), os.Getenv("DB_NAME"),
		)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Redis.URL = url
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		c.Queue.URL = url
		c.Queue.Driver = "amqp"
	}
	if driver := os.Getenv("QUEUE_DRIVER"); driver != "" {
		c.Queue.Driver = driver
	}
	if n, err := strconv.Atoi(os.Getenv("DISPATCH_WORKERS")); err == nil && n > 0 {
		c.Queue.Workers = n
	}
	if n, err := strconv.Atoi(os.Getenv("QUEUE_LEASE_SECONDS")); err == nil && n > 0 {
		c.Queue.LeaseSeconds = n
	}
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Storage.Bucket = bucket
		c.Storage.Driver = "s3"
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		c.Storage.Endpoint = endpoint
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		if c.Storage.Region == "" {
			c.Storage.Region = region
		}
		if c.Mailer.SESRegion == "" {
			c.Mailer.SESRegion = region
		}
	}
	if driver := os.Getenv("MAILER_DRIVER"); driver != "" {
		c.Mailer.Driver = driver
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.Mailer.SMTPHost = host
	}
	if port, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil && port > 0 {
		c.Mailer.SMTPPort = port
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.Mailer.SMTPUsername = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		c.Mailer.SMTPPassword = pass
	}
	if key := os.Getenv("AWS_SES_ACCESS_KEY"); key != "" {
		c.Mailer.SESAccessKey = key
	}
	if secret := os.Getenv("AWS_SES_SECRET_KEY"); secret != "" {
		c.Mailer.SESSecretKey = secret
	}
	if from := os.Getenv("MAIL_FROM"); from != "" {
		c.Mailer.FromAddress = from
	}
	// API_TOKENS="token1:12,token2:7"
	if tokens := os.Getenv("API_TOKENS"); tokens != "" {
		if c.Auth.Tokens == nil {
			c.Auth.Tokens = map[string]int{}
		}
		for _, pair := range strings.Split(tokens, ",") {
			tok, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				continue
			}
			if staffID, err := strconv.Atoi(id); err == nil {
				c.Auth.Tokens[tok] = staffID
			}
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if os.Getenv("LOG_PRETTY") == "true" {
		c.Log.Pretty = true
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "memory":
		// records live in the server process, so no other process can dispatch them
		if c.Queue.Driver != "memory" {
			return fmt.Errorf("database.driver=memory needs queue.driver=memory")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "amqp":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for the amqp driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be positive, got %d", c.Queue.LeaseSeconds)
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local driver")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("storage.max_attachment_bytes must be positive")
	}
	switch c.Mailer.Driver {
	case "mock", "ses":
	case "smtp":
		if c.Mailer.SMTPHost == "" {
			return fmt.Errorf("mailer.smtp_host is required for the smtp driver")
		}
	default:
		return fmt.Errorf("unknown mailer driver %q", c.Mailer.Driver)
	}
	if c.Mailer.FromAddress == "" {
		return fmt.Errorf("mailer.from_address is required")
	}
	return nil
}
