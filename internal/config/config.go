package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	AWS       AWSConfig       `yaml:"aws"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job record store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// AccountsConfig locates the user profile directory. An empty database
// section means the profiles table lives in the job database.
type AccountsConfig struct {
	Database  DatabaseConfig `yaml:"database"`
	Table     string         `yaml:"table"`
	CacheSize int            `yaml:"cache_size"`
	CacheTTL  time.Duration  `yaml:"cache_ttl"`
}

// SharesJobDatabase reports whether profiles are read from the job database
func (a AccountsConfig) SharesJobDatabase() bool {
	return a.Database.Driver == "" && a.Database.Host == "" && a.Database.Path == ""
}

// RabbitMQConfig holds RabbitMQ connection, exchange and queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queues     QueuesConfig     `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`

	// ResultsRoutingKey receives the result-ready events
	ResultsRoutingKey string `yaml:"results_routing_key"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueuesConfig lists the work queues of the pipeline
type QueuesConfig struct {
	Requests QueueConfig `yaml:"requests"`
	Archive  QueueConfig `yaml:"archive"`
	Restore  QueueConfig `yaml:"restore"`
}

// QueueConfig holds RabbitMQ work queue configuration
type QueueConfig struct {
	Name              string        `yaml:"name"`
	RoutingKey        string        `yaml:"routing_key"`
	Durable           bool          `yaml:"durable"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// AWSConfig holds object storage, archive vault and notification settings
type AWSConfig struct {
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`

	ResultsBucket string `yaml:"results_bucket"`
	ResultsPrefix string `yaml:"results_prefix"`

	Vault             string   `yaml:"vault"`
	RetrievalTiers    []string `yaml:"retrieval_tiers"`
	RetrievalSNSTopic string   `yaml:"retrieval_sns_topic"`

	// ThawQueueURL is the SQS queue subscribed to the retrieval topic
	ThawQueueURL string `yaml:"thaw_queue_url"`
}

// PipelineConfig holds worker behaviour settings
type PipelineConfig struct {
	WorkDir string `yaml:"work_dir"`

	// RunnerPath is the completion binary dispatch launches; RunnerArgs
	// precede the per-job flags.
	RunnerPath string   `yaml:"runner_path"`
	RunnerArgs []string `yaml:"runner_args"`

	// AnnotatorCommand runs the annotation; the input path is appended.
	AnnotatorCommand []string `yaml:"annotator_command"`

	Retention     time.Duration `yaml:"retention"`
	RunningWait   time.Duration `yaml:"running_wait"`
	UploadRetries int           `yaml:"upload_retries"`

	Concurrency     int           `yaml:"concurrency"`
	MaxMessages     int           `yaml:"max_messages"`
	WaitTime        time.Duration `yaml:"wait_time"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReconcileConfig holds the periodic sweep settings
type ReconcileConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	ArchiveGrace time.Duration `yaml:"archive_grace"`
	Limit        int           `yaml:"limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file. ${VAR} references are
// replaced from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the settings the query API needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.RabbitMQ.Host != "" && c.RabbitMQ.Queues.Restore.RoutingKey == "" {
		return fmt.Errorf("rabbitmq restore routing key is required to publish restore requests")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the queue workers need
func (c *Config) ValidateWorkerConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if !c.Accounts.SharesJobDatabase() {
		if err := c.Accounts.Database.validate("accounts database"); err != nil {
			return err
		}
	}

	if c.Accounts.Table == "" {
		return fmt.Errorf("accounts table is required")
	}

	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	queues := []struct {
		name  string
		queue QueueConfig
	}{
		{"requests", c.RabbitMQ.Queues.Requests},
		{"archive", c.RabbitMQ.Queues.Archive},
		{"restore", c.RabbitMQ.Queues.Restore},
	}
	for _, q := range queues {
		if q.queue.Name == "" || q.queue.RoutingKey == "" {
			return fmt.Errorf("rabbitmq %s queue name and routing key are required", q.name)
		}
		if q.queue.VisibilityTimeout <= 0 {
			return fmt.Errorf("rabbitmq %s queue visibility_timeout must be greater than 0", q.name)
		}
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}

	if c.AWS.Vault == "" {
		return fmt.Errorf("aws vault is required")
	}

	if c.AWS.ThawQueueURL == "" {
		return fmt.Errorf("aws thaw_queue_url is required")
	}

	if c.Pipeline.WorkDir == "" {
		return fmt.Errorf("pipeline work_dir is required")
	}

	if c.Pipeline.RunnerPath == "" {
		return fmt.Errorf("pipeline runner_path is required")
	}

	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be greater than 0")
	}

	if c.Pipeline.Retention <= 0 {
		return fmt.Errorf("pipeline retention must be greater than 0")
	}

	if c.Pipeline.ShutdownTimeout <= 0 {
		return fmt.Errorf("pipeline shutdown_timeout must be greater than 0")
	}

	if c.Reconcile.Enabled && c.Reconcile.Schedule == "" {
		return fmt.Errorf("reconcile schedule is required when reconcile is enabled")
	}

	return nil
}

// ValidateRunnerConfig checks the settings the completion runner needs
func (c *Config) ValidateRunnerConfig() error {
	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	if c.RabbitMQ.ResultsRoutingKey == "" {
		return fmt.Errorf("rabbitmq results routing key is required")
	}

	if c.RabbitMQ.Queues.Archive.RoutingKey == "" {
		return fmt.Errorf("rabbitmq archive routing key is required")
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}

	if c.AWS.ResultsBucket == "" {
		return fmt.Errorf("aws results bucket is required")
	}

	if len(c.Pipeline.AnnotatorCommand) == 0 {
		return fmt.Errorf("pipeline annotator_command is required")
	}

	if c.Pipeline.Retention <= 0 {
		return fmt.Errorf("pipeline retention must be greater than 0")
	}

	return nil
}

func (d DatabaseConfig) validate(section string) error {
	switch d.Driver {
	case "", "postgres":
		if d.Host == "" {
			return fmt.Errorf("%s host is required", section)
		}
		if err := validatePort(section, d.Port); err != nil {
			return err
		}
		if d.Database == "" {
			return fmt.Errorf("%s name is required", section)
		}
	case "sqlite3":
		if d.Path == "" {
			return fmt.Errorf("%s path is required for sqlite3", section)
		}
	default:
		return fmt.Errorf("unsupported %s driver: %q", section, d.Driver)
	}
	return nil
}

func (r RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", r.Port); err != nil {
		return err
	}

	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

func validatePort(section string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", section, port, MinPort, MaxPort)
	}
	return nil
}
