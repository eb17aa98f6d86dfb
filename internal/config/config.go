// Package config загружает конфигурацию процессов Preingest.
//
// Источники (по возрастанию приоритета): значения по умолчанию,
// файл конфигурации (PREINGEST_CONFIG, YAML), переменные окружения.
// Ключи файла совпадают с именами переменных в нижнем регистре:
// DB_URL ↔ db_url.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/mq"
	"github.com/shaiso/Preingest/internal/repo"
)

// EnvConfigFile — переменная с путём к файлу конфигурации.
const EnvConfigFile = "PREINGEST_CONFIG"

// Виды хранилища.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config — конфигурация сервера и воркера.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Storage
	Store      string
	DBURL      string
	DBMaxConns int32

	// Broker
	RabbitMQURL string

	// HTTP
	ServerPort int
	WorkerPort int

	// Handlers
	PipelinesFile  string
	Handlers       []string
	StrictHandlers bool
	MaxDepth       int

	// Orchestrator
	PollInterval  time.Duration
	DispatchLimit int
	Retry         domain.RetryPolicy

	// TaskPool
	SubmitRate     float64
	SubmitBurst    int
	PublishTimeout time.Duration

	// Worker
	WorkerConcurrency int

	// Tracing
	OTLPEndpoint string
	OTLPInsecure bool
	TraceSample  float64
}

// setDefaults задаёт значения по умолчанию.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store", StorePostgres)
	v.SetDefault("db_url", repo.DefaultDSN)
	v.SetDefault("db_max_conns", 10)

	v.SetDefault("rabbitmq_url", mq.DefaultURL())

	v.SetDefault("server_port", 8080)
	v.SetDefault("worker_port", 8081)

	v.SetDefault("pipelines_file", "")
	v.SetDefault("handlers", []string{})
	v.SetDefault("strict_handlers", false)
	v.SetDefault("max_depth", 0)

	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("dispatch_limit", 16)

	def := domain.DefaultRetryPolicy()
	v.SetDefault("retry_max_deliveries", def.MaxDeliveries)
	v.SetDefault("retry_backoff", def.Backoff)
	v.SetDefault("retry_initial_delay", def.InitialDelay)
	v.SetDefault("retry_max_delay", def.MaxDelay)

	v.SetDefault("submit_rate", 0.0)
	v.SetDefault("submit_burst", 50)
	v.SetDefault("publish_timeout", 5*time.Second)

	v.SetDefault("worker_concurrency", 4)

	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_insecure", true)
	v.SetDefault("otel_trace_sample_rate", 1.0)
}

// Load читает конфигурацию из окружения и, если задан, из файла.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(strings.ToLower(EnvConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		Store:      strings.ToLower(v.GetString("store")),
		DBURL:      v.GetString("db_url"),
		DBMaxConns: v.GetInt32("db_max_conns"),

		RabbitMQURL: v.GetString("rabbitmq_url"),

		ServerPort: v.GetInt("server_port"),
		WorkerPort: v.GetInt("worker_port"),

		PipelinesFile:  v.GetString("pipelines_file"),
		Handlers:       splitList(v.GetStringSlice("handlers")),
		StrictHandlers: v.GetBool("strict_handlers"),
		MaxDepth:       v.GetInt("max_depth"),

		PollInterval:  v.GetDuration("poll_interval"),
		DispatchLimit: v.GetInt("dispatch_limit"),
		Retry: domain.RetryPolicy{
			MaxDeliveries: v.GetInt("retry_max_deliveries"),
			Backoff:       v.GetString("retry_backoff"),
			InitialDelay:  v.GetDuration("retry_initial_delay"),
			MaxDelay:      v.GetDuration("retry_max_delay"),
		},

		SubmitRate:     v.GetFloat64("submit_rate"),
		SubmitBurst:    v.GetInt("submit_burst"),
		PublishTimeout: v.GetDuration("publish_timeout"),

		WorkerConcurrency: v.GetInt("worker_concurrency"),

		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
		OTLPInsecure: v.GetBool("otel_exporter_otlp_insecure"),
		TraceSample:  v.GetFloat64("otel_trace_sample_rate"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store: unknown value %q (want %s or %s)", c.Store, StorePostgres, StoreMemory))
	}

	switch c.Retry.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("retry_backoff: unknown value %q", c.Retry.Backoff))
	}

	if c.Retry.MaxDeliveries < 1 {
		errs = append(errs, fmt.Errorf("retry_max_deliveries: must be >= 1, got %d", c.Retry.MaxDeliveries))
	}
	if c.ServerPort <= 0 || c.WorkerPort <= 0 {
		errs = append(errs, errors.New("server_port and worker_port must be positive"))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("otel_trace_sample_rate: must be in [0,1], got %v", c.TraceSample))
	}

	return errors.Join(errs...)
}

// ServerAddr возвращает адрес HTTP-сервера API.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}

// WorkerAddr возвращает адрес health/metrics сервера воркера.
func (c *Config) WorkerAddr() string {
	return fmt.Sprintf(":%d", c.WorkerPort)
}

// Registry строит реестр handler'ов: стандартные плюс Handlers.
// StrictHandlers включает отказ create_step для неизвестных handler'ов.
func (c *Config) Registry() *engine.Registry {
	r := engine.NewDefaultRegistry(c.StrictHandlers)
	for _, name := range c.Handlers {
		if !r.Has(name) {
			r.Register(name, nil)
		}
	}
	return r
}

// splitList поддерживает и YAML-список, и "a,b,c" из окружения.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
