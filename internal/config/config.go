// Package config loads eventhub settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stockline/eventcore/internal/rabbitmq"
)

// Problem is a single invalid or missing setting
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	return p.Field + ": " + p.Message
}

// AMQPConfig locates the broker
type AMQPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

// URL renders the amqp:// connection string
func (c AMQPConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		User:   url.UserPassword(c.User, c.Password),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	if c.VHost == "/" || c.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// Config is the eventhub process configuration
type Config struct {
	Env         string
	ServiceName string
	HTTPAddr    string
	LogLevel    string

	AMQP               AMQPConfig
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	BackoffJitter      float64
	MaxConnectAttempts int
	MaxRetryAttempts   int
	QueueRetryCeiling  int
	OutboxCapacity     int

	BatchSize            int
	BatchFlush           time.Duration
	EventTTL             time.Duration
	EventDefaultPriority int
	ServiceQueue         string
	TopologyPath         string

	JWTSecret   string
	JWTJWKSURL  string
	JWTIssuer   string
	JWTAudience string

	RedisURL       string
	DLQStream      string
	IdempotencyTTL time.Duration

	OTLPEndpoint string
}

// IsProduction reports whether the process runs in production
func (c Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Load reads the environment, seeded from a .env file when one exists, and
// returns the configuration together with every problem found. Invalid values
// fall back to their defaults so callers can decide whether to abort.
func Load() (Config, []Problem) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv
func FromEnv(getenv func(string) string) (Config, []Problem) {
	r := reader{getenv: getenv}

	cfg := Config{
		Env:         r.str("EVENTCORE_ENV", "development"),
		ServiceName: "eventhub",
		HTTPAddr:    r.str("HTTP_ADDR", ":8080"),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		AMQP: AMQPConfig{
			Host:     r.str("AMQP_HOST", "localhost"),
			Port:     r.integer("AMQP_PORT", 5672),
			User:     r.str("AMQP_USER", "guest"),
			Password: r.str("AMQP_PASSWORD", "guest"),
			VHost:    r.str("AMQP_VHOST", "/"),
		},
		BackoffBase:          r.millis("BACKOFF_BASE_MS", time.Second),
		BackoffCap:           r.millis("BACKOFF_CAP_MS", time.Minute),
		BackoffJitter:        r.float("BACKOFF_JITTER", 0.2),
		MaxConnectAttempts:   r.integer("MAX_CONNECT_ATTEMPTS", 10),
		MaxRetryAttempts:     r.integer("MAX_RETRY_ATTEMPTS", 5),
		QueueRetryCeiling:    r.integer("QUEUE_RETRY_CEILING", 3),
		OutboxCapacity:       r.integer("OUTBOX_CAPACITY", 10000),
		BatchSize:            r.integer("BATCH_SIZE", 0),
		BatchFlush:           r.millis("BATCH_FLUSH_MS", time.Second),
		EventTTL:             r.millis("EVENT_TTL_MS", 0),
		EventDefaultPriority: r.integer("EVENT_DEFAULT_PRIORITY", 0),
		ServiceQueue:         r.str("SERVICE_QUEUE", ""),
		TopologyPath:         r.str("TOPOLOGY_PATH", ""),
		JWTSecret:            r.str("JWT_SECRET", ""),
		JWTJWKSURL:           r.str("JWT_JWKS_URL", ""),
		JWTIssuer:            r.str("JWT_ISSUER", ""),
		JWTAudience:          r.str("JWT_AUDIENCE", ""),
		RedisURL:             r.str("REDIS_URL", ""),
		DLQStream:            r.str("DLQ_STREAM", "eventcore:dlq"),
		IdempotencyTTL:       r.millis("IDEMPOTENCY_TTL_MS", 24*time.Hour),
		OTLPEndpoint:         r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	problems := r.problems

	if cfg.AMQP.Port <= 0 || cfg.AMQP.Port > 65535 {
		problems = append(problems, Problem{Field: "AMQP_PORT", Message: "AMQP_PORT must be 1-65535"})
		cfg.AMQP.Port = 5672
	}
	if cfg.BackoffBase <= 0 {
		problems = append(problems, Problem{Field: "BACKOFF_BASE_MS", Message: "BACKOFF_BASE_MS must be > 0"})
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		problems = append(problems, Problem{Field: "BACKOFF_CAP_MS", Message: "BACKOFF_CAP_MS must be >= BACKOFF_BASE_MS"})
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		problems = append(problems, Problem{Field: "BACKOFF_JITTER", Message: "BACKOFF_JITTER must be within [0, 1]"})
		cfg.BackoffJitter = 0.2
	}
	if cfg.MaxConnectAttempts < 0 {
		problems = append(problems, Problem{Field: "MAX_CONNECT_ATTEMPTS", Message: "MAX_CONNECT_ATTEMPTS must be >= 0"})
		cfg.MaxConnectAttempts = 10
	}
	if cfg.MaxRetryAttempts < 1 {
		problems = append(problems, Problem{Field: "MAX_RETRY_ATTEMPTS", Message: "MAX_RETRY_ATTEMPTS must be >= 1"})
		cfg.MaxRetryAttempts = 5
	}
	if cfg.QueueRetryCeiling < 0 {
		problems = append(problems, Problem{Field: "QUEUE_RETRY_CEILING", Message: "QUEUE_RETRY_CEILING must be >= 0"})
		cfg.QueueRetryCeiling = 3
	}
	if cfg.OutboxCapacity < 1 {
		problems = append(problems, Problem{Field: "OUTBOX_CAPACITY", Message: "OUTBOX_CAPACITY must be >= 1"})
		cfg.OutboxCapacity = 10000
	}
	if cfg.BatchSize < 0 {
		problems = append(problems, Problem{Field: "BATCH_SIZE", Message: "BATCH_SIZE must be >= 0"})
		cfg.BatchSize = 0
	}
	if cfg.BatchSize > 0 && cfg.BatchFlush <= 0 {
		problems = append(problems, Problem{Field: "BATCH_FLUSH_MS", Message: "BATCH_FLUSH_MS must be > 0 when batching"})
		cfg.BatchFlush = time.Second
	}
	if cfg.EventTTL < 0 {
		problems = append(problems, Problem{Field: "EVENT_TTL_MS", Message: "EVENT_TTL_MS must be >= 0"})
		cfg.EventTTL = 0
	}
	if cfg.EventDefaultPriority < 0 || cfg.EventDefaultPriority > 9 {
		problems = append(problems, Problem{Field: "EVENT_DEFAULT_PRIORITY", Message: "EVENT_DEFAULT_PRIORITY must be 0-9"})
		cfg.EventDefaultPriority = 0
	}
	if cfg.JWTSecret == "" && cfg.JWTJWKSURL == "" {
		problems = append(problems, Problem{Field: "JWT_SECRET", Message: "JWT_SECRET or JWT_JWKS_URL is required"})
	}
	if cfg.JWTJWKSURL != "" {
		if _, err := url.ParseRequestURI(cfg.JWTJWKSURL); err != nil {
			problems = append(problems, Problem{Field: "JWT_JWKS_URL", Message: "JWT_JWKS_URL must be a valid URL"})
		}
	}
	if cfg.IsProduction() && cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		problems = append(problems, Problem{Field: "JWT_SECRET", Message: "JWT_SECRET must be at least 32 characters in production"})
	}
	if cfg.IdempotencyTTL <= 0 {
		problems = append(problems, Problem{Field: "IDEMPOTENCY_TTL_MS", Message: "IDEMPOTENCY_TTL_MS must be > 0"})
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, Problem{Field: "LOG_LEVEL", Message: "LOG_LEVEL must be debug, info, warn or error"})
		cfg.LogLevel = "info"
	}

	return cfg, problems
}

// LoadTopology reads the YAML topology descriptor at TopologyPath. It returns
// false when no path is configured.
func (c Config) LoadTopology() (rabbitmq.Topology, bool, error) {
	if c.TopologyPath == "" {
		return rabbitmq.Topology{}, false, nil
	}
	data, err := os.ReadFile(c.TopologyPath)
	if err != nil {
		return rabbitmq.Topology{}, false, fmt.Errorf("read topology: %w", err)
	}
	t, err := rabbitmq.ParseTopology(data)
	if err != nil {
		return rabbitmq.Topology{}, false, fmt.Errorf("parse topology %s: %w", c.TopologyPath, err)
	}
	if err := t.Validate(); err != nil {
		return rabbitmq.Topology{}, false, err
	}
	return t, true, nil
}

// Err folds problems into a single error, or nil when there are none
func Err(problems []Problem) error {
	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = errors.New(p.String())
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

type reader struct {
	getenv   func(string) string
	problems []Problem
}

func (r *reader) str(key, fallback string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.problems = append(r.problems, Problem{Field: key, Message: key + " must be an integer"})
		return fallback
	}
	return v
}

func (r *reader) float(key string, fallback float64) float64 {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.problems = append(r.problems, Problem{Field: key, Message: key + " must be a number"})
		return fallback
	}
	return v
}

func (r *reader) millis(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.problems = append(r.problems, Problem{Field: key, Message: key + " must be an integer number of milliseconds"})
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
