package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. IMCONNECT_LISTEN_ADDR.
	EnvPrefix = "IMCONNECT"

	// DefaultListenAddr is the TCP address the websocket gateway listens on.
	DefaultListenAddr = ":8802"
	// DefaultRelayAddr is the TCP address the relay gRPC server listens on.
	DefaultRelayAddr = ":8803"
	// DefaultOpsAddr serves liveness, readiness and metrics.
	DefaultOpsAddr = ":8804"
	// DefaultBacklog bounds websocket handshakes that may be in flight at once.
	DefaultBacklog = 1024
	// DefaultMaxClients bounds concurrent websocket connections. Zero disables the limit.
	DefaultMaxClients = 100000
	// DefaultMaxPayloadBytes limits inbound websocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultPollers sets the number of event loop goroutines.
	DefaultPollers = 4

	// DefaultHeartbeatInterval is how often the heartbeat monitor ticks.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is the idle period after which a connection is probed.
	DefaultHeartbeatTimeout = 3 * DefaultHeartbeatInterval
	// DefaultHeartbeatFailureThreshold is the number of consecutive unanswered probes tolerated.
	DefaultHeartbeatFailureThreshold = 3
	// DefaultPresenceTTL bounds presence staleness when a node dies without cleanup.
	DefaultPresenceTTL = 2 * DefaultHeartbeatTimeout

	// DefaultRetryMaxAttempts caps redelivery attempts before a message is abandoned.
	DefaultRetryMaxAttempts = 3
	// DefaultRetryScanInterval controls how often due retry records are claimed.
	DefaultRetryScanInterval = time.Second
	// DefaultRetryBatchSize bounds how many records one scan may claim.
	DefaultRetryBatchSize = 10000
	// DefaultRetryClaimTTL hides a claimed record from other scanners while it is processed.
	DefaultRetryClaimTTL = 30 * time.Second

	// DefaultWorkerPoolSize is the number of handler goroutines.
	DefaultWorkerPoolSize = 64
	// DefaultWorkerQueueDepth bounds the per-worker task queue.
	DefaultWorkerQueueDepth = 1024

	// DefaultRelayTimeout bounds a single relay call.
	DefaultRelayTimeout = 3 * time.Second
	// DefaultRelayCompression selects the gRPC transport compressor.
	DefaultRelayCompression = "snappy"

	// DefaultDirectoryTimeout bounds a single shared directory call.
	DefaultDirectoryTimeout = 2 * time.Second
	// DefaultGroupShardTTL bounds the lifetime of a group shard entry.
	DefaultGroupShardTTL = time.Hour
	// DefaultDeliveryStateTTL bounds how long per-message delivery states are retained.
	DefaultDeliveryStateTTL = 7 * 24 * time.Hour

	// DefaultWithdrawWindow limits how old a message may be when withdrawn.
	DefaultWithdrawWindow = 2 * time.Minute
	// DefaultBatchIDMax caps a single batch id allocation.
	DefaultBatchIDMax = 100

	// DefaultRateLimitPerSecond bounds inbound frames per connection. Zero disables the gate.
	DefaultRateLimitPerSecond = 50
	// DefaultRateLimitBurst is the token bucket capacity for the inbound gate.
	DefaultRateLimitBurst = 100

	// DefaultRedisAddr is the shared directory address.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultKafkaBrokers is the persistence tier bootstrap list.
	DefaultKafkaBrokers = "127.0.0.1:9092"

	// DefaultLogLevel controls verbosity for node logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// DefaultRetryBackoff is the visibility delay schedule indexed by retry count.
var DefaultRetryBackoff = []time.Duration{5 * time.Second, 30 * time.Second, 300 * time.Second}

// Config captures all runtime tunables for a connect node.
type Config struct {
	NodeAddress     string
	ListenAddr      string
	RelayAddr       string
	OpsAddr         string
	Backlog         int
	MaxClients      int
	MaxPayloadBytes int64
	Pollers         int
	AllowedOrigins  []string
	AdminToken      string

	Auth      AuthConfig
	Heartbeat HeartbeatConfig
	Retry     RetryConfig
	Workers   WorkerConfig
	Relay     RelayConfig
	Directory DirectoryConfig
	Kafka     KafkaConfig
	Snowflake SnowflakeConfig
	Messaging MessagingConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// AuthConfig configures handshake token verification.
type AuthConfig struct {
	Secret string
	Issuer string
}

// HeartbeatConfig configures liveness probing and presence leases.
type HeartbeatConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	PresenceTTL      time.Duration
}

// RetryConfig configures the acknowledgement retry engine.
type RetryConfig struct {
	MaxAttempts  int
	Backoff      []time.Duration
	ScanInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
}

// WorkerConfig sizes the handler worker pool.
type WorkerConfig struct {
	Size       int
	QueueDepth int
}

// RelayConfig configures node to node calls and the relay server.
type RelayConfig struct {
	Timeout      time.Duration
	SharedSecret string
	Compression  string
	TLSCertPath  string
	TLSKeyPath   string
	TLSCAPath    string
}

// DirectoryConfig configures the shared Redis directory.
type DirectoryConfig struct {
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	Timeout          time.Duration
	GroupShardTTL    time.Duration
	DeliveryStateTTL time.Duration
}

// KafkaConfig configures the persistence hand-off and broadcast feed.
type KafkaConfig struct {
	Brokers  string
	ClientID string
}

// SnowflakeConfig identifies this node inside the id space.
type SnowflakeConfig struct {
	DatacenterID int64
	WorkerID     int64
}

// MessagingConfig holds message level business limits.
type MessagingConfig struct {
	WithdrawWindow time.Duration
	BatchIDMax     int
}

// RateLimitConfig configures the per-connection inbound gate.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the node configuration from an optional YAML file and IMCONNECT_ environment
// variables, applying defaults and returning descriptive errors for invalid values.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if strings.TrimSpace(path) == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_address", "")
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("relay_addr", DefaultRelayAddr)
	v.SetDefault("ops_addr", DefaultOpsAddr)
	v.SetDefault("backlog", DefaultBacklog)
	v.SetDefault("max_clients", DefaultMaxClients)
	v.SetDefault("max_payload_bytes", DefaultMaxPayloadBytes)
	v.SetDefault("pollers", DefaultPollers)
	v.SetDefault("allowed_origins", "")
	v.SetDefault("admin_token", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("heartbeat.interval", DefaultHeartbeatInterval)
	v.SetDefault("heartbeat.timeout", DefaultHeartbeatTimeout)
	v.SetDefault("heartbeat.failure_threshold", DefaultHeartbeatFailureThreshold)
	v.SetDefault("heartbeat.presence_ttl", DefaultPresenceTTL)

	v.SetDefault("retry.max_attempts", DefaultRetryMaxAttempts)
	v.SetDefault("retry.backoff", "")
	v.SetDefault("retry.scan_interval", DefaultRetryScanInterval)
	v.SetDefault("retry.batch_size", DefaultRetryBatchSize)
	v.SetDefault("retry.claim_ttl", DefaultRetryClaimTTL)

	v.SetDefault("workers.size", DefaultWorkerPoolSize)
	v.SetDefault("workers.queue_depth", DefaultWorkerQueueDepth)

	v.SetDefault("relay.timeout", DefaultRelayTimeout)
	v.SetDefault("relay.shared_secret", "")
	v.SetDefault("relay.compression", DefaultRelayCompression)
	v.SetDefault("relay.tls_cert", "")
	v.SetDefault("relay.tls_key", "")
	v.SetDefault("relay.tls_ca", "")

	v.SetDefault("directory.redis_addr", DefaultRedisAddr)
	v.SetDefault("directory.redis_password", "")
	v.SetDefault("directory.redis_db", 0)
	v.SetDefault("directory.timeout", DefaultDirectoryTimeout)
	v.SetDefault("directory.group_shard_ttl", DefaultGroupShardTTL)
	v.SetDefault("directory.delivery_state_ttl", DefaultDeliveryStateTTL)

	v.SetDefault("kafka.brokers", DefaultKafkaBrokers)
	v.SetDefault("kafka.client_id", "imconnect")

	v.SetDefault("snowflake.datacenter_id", 0)
	v.SetDefault("snowflake.worker_id", 0)

	v.SetDefault("messaging.withdraw_window", DefaultWithdrawWindow)
	v.SetDefault("messaging.batch_id_max", DefaultBatchIDMax)

	v.SetDefault("rate_limit.per_second", DefaultRateLimitPerSecond)
	v.SetDefault("rate_limit.burst", DefaultRateLimitBurst)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age_days", DefaultLogMaxAgeDays)
	v.SetDefault("log.compress", DefaultLogCompress)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		NodeAddress:     strings.TrimSpace(v.GetString("node_address")),
		ListenAddr:      strings.TrimSpace(v.GetString("listen_addr")),
		RelayAddr:       strings.TrimSpace(v.GetString("relay_addr")),
		OpsAddr:         strings.TrimSpace(v.GetString("ops_addr")),
		Backlog:         v.GetInt("backlog"),
		MaxClients:      v.GetInt("max_clients"),
		MaxPayloadBytes: v.GetInt64("max_payload_bytes"),
		Pollers:         v.GetInt("pollers"),
		AllowedOrigins:  stringList(v.Get("allowed_origins")),
		AdminToken:      strings.TrimSpace(v.GetString("admin_token")),
		Auth: AuthConfig{
			Secret: strings.TrimSpace(v.GetString("auth.secret")),
			Issuer: strings.TrimSpace(v.GetString("auth.issuer")),
		},
		Heartbeat: HeartbeatConfig{
			Interval:         v.GetDuration("heartbeat.interval"),
			Timeout:          v.GetDuration("heartbeat.timeout"),
			FailureThreshold: v.GetInt("heartbeat.failure_threshold"),
			PresenceTTL:      v.GetDuration("heartbeat.presence_ttl"),
		},
		Retry: RetryConfig{
			MaxAttempts:  v.GetInt("retry.max_attempts"),
			ScanInterval: v.GetDuration("retry.scan_interval"),
			BatchSize:    v.GetInt("retry.batch_size"),
			ClaimTTL:     v.GetDuration("retry.claim_ttl"),
		},
		Workers: WorkerConfig{
			Size:       v.GetInt("workers.size"),
			QueueDepth: v.GetInt("workers.queue_depth"),
		},
		Relay: RelayConfig{
			Timeout:      v.GetDuration("relay.timeout"),
			SharedSecret: strings.TrimSpace(v.GetString("relay.shared_secret")),
			Compression:  strings.ToLower(strings.TrimSpace(v.GetString("relay.compression"))),
			TLSCertPath:  strings.TrimSpace(v.GetString("relay.tls_cert")),
			TLSKeyPath:   strings.TrimSpace(v.GetString("relay.tls_key")),
			TLSCAPath:    strings.TrimSpace(v.GetString("relay.tls_ca")),
		},
		Directory: DirectoryConfig{
			RedisAddr:        strings.TrimSpace(v.GetString("directory.redis_addr")),
			RedisPassword:    v.GetString("directory.redis_password"),
			RedisDB:          v.GetInt("directory.redis_db"),
			Timeout:          v.GetDuration("directory.timeout"),
			GroupShardTTL:    v.GetDuration("directory.group_shard_ttl"),
			DeliveryStateTTL: v.GetDuration("directory.delivery_state_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers:  strings.TrimSpace(v.GetString("kafka.brokers")),
			ClientID: strings.TrimSpace(v.GetString("kafka.client_id")),
		},
		Snowflake: SnowflakeConfig{
			DatacenterID: v.GetInt64("snowflake.datacenter_id"),
			WorkerID:     v.GetInt64("snowflake.worker_id"),
		},
		Messaging: MessagingConfig{
			WithdrawWindow: v.GetDuration("messaging.withdraw_window"),
			BatchIDMax:     v.GetInt("messaging.batch_id_max"),
		},
		RateLimit: RateLimitConfig{
			PerSecond: v.GetFloat64("rate_limit.per_second"),
			Burst:     v.GetInt("rate_limit.burst"),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(v.GetString("log.level")),
			Path:       strings.TrimSpace(v.GetString("log.path")),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
	}

	var problems []string

	backoff, err := parseBackoff(v.Get("retry.backoff"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.Retry.Backoff = backoff

	if cfg.NodeAddress == "" {
		cfg.NodeAddress = advertisedAddr(cfg.RelayAddr)
	}
	if cfg.ListenAddr == "" {
		problems = append(problems, "listen_addr must not be empty")
	}
	if cfg.RelayAddr == "" {
		problems = append(problems, "relay_addr must not be empty")
	}
	if cfg.Backlog <= 0 {
		problems = append(problems, fmt.Sprintf("backlog must be a positive integer, got %d", cfg.Backlog))
	}
	if cfg.MaxClients < 0 {
		problems = append(problems, fmt.Sprintf("max_clients must be a non-negative integer, got %d", cfg.MaxClients))
	}
	if cfg.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("max_payload_bytes must be a positive integer, got %d", cfg.MaxPayloadBytes))
	}
	if cfg.Pollers <= 0 {
		problems = append(problems, fmt.Sprintf("pollers must be a positive integer, got %d", cfg.Pollers))
	}
	if cfg.Heartbeat.Interval <= 0 {
		problems = append(problems, fmt.Sprintf("heartbeat.interval must be a positive duration, got %v", cfg.Heartbeat.Interval))
	}
	if cfg.Heartbeat.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("heartbeat.timeout must be a positive duration, got %v", cfg.Heartbeat.Timeout))
	}
	if cfg.Heartbeat.FailureThreshold <= 0 {
		problems = append(problems, fmt.Sprintf("heartbeat.failure_threshold must be a positive integer, got %d", cfg.Heartbeat.FailureThreshold))
	}
	if cfg.Heartbeat.PresenceTTL < cfg.Heartbeat.Interval {
		problems = append(problems, "heartbeat.presence_ttl must not be shorter than heartbeat.interval")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		problems = append(problems, fmt.Sprintf("retry.max_attempts must be a positive integer, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.ScanInterval <= 0 {
		problems = append(problems, fmt.Sprintf("retry.scan_interval must be a positive duration, got %v", cfg.Retry.ScanInterval))
	}
	if cfg.Retry.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("retry.batch_size must be a positive integer, got %d", cfg.Retry.BatchSize))
	}
	if cfg.Retry.ClaimTTL <= 0 {
		problems = append(problems, fmt.Sprintf("retry.claim_ttl must be a positive duration, got %v", cfg.Retry.ClaimTTL))
	}
	if cfg.Workers.Size <= 0 {
		problems = append(problems, fmt.Sprintf("workers.size must be a positive integer, got %d", cfg.Workers.Size))
	}
	if cfg.Workers.QueueDepth <= 0 {
		problems = append(problems, fmt.Sprintf("workers.queue_depth must be a positive integer, got %d", cfg.Workers.QueueDepth))
	}
	if cfg.Relay.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("relay.timeout must be a positive duration, got %v", cfg.Relay.Timeout))
	}
	switch cfg.Relay.Compression {
	case "", "none", "snappy", "gzip":
	default:
		problems = append(problems, fmt.Sprintf("relay.compression must be one of none, snappy, gzip, got %q", cfg.Relay.Compression))
	}
	if (cfg.Relay.TLSCertPath == "") != (cfg.Relay.TLSKeyPath == "") {
		problems = append(problems, "relay.tls_cert and relay.tls_key must be provided together")
	}
	if cfg.Relay.TLSCertPath != "" && cfg.Relay.TLSCAPath == "" {
		problems = append(problems, "relay.tls_ca is required when relay mTLS is enabled")
	}
	if cfg.Directory.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("directory.timeout must be a positive duration, got %v", cfg.Directory.Timeout))
	}
	if cfg.Directory.GroupShardTTL <= 0 {
		problems = append(problems, fmt.Sprintf("directory.group_shard_ttl must be a positive duration, got %v", cfg.Directory.GroupShardTTL))
	}
	if cfg.Snowflake.DatacenterID < 0 || cfg.Snowflake.DatacenterID > 31 {
		problems = append(problems, fmt.Sprintf("snowflake.datacenter_id must be within 0..31, got %d", cfg.Snowflake.DatacenterID))
	}
	if cfg.Snowflake.WorkerID < 0 || cfg.Snowflake.WorkerID > 31 {
		problems = append(problems, fmt.Sprintf("snowflake.worker_id must be within 0..31, got %d", cfg.Snowflake.WorkerID))
	}
	if cfg.Messaging.WithdrawWindow <= 0 {
		problems = append(problems, fmt.Sprintf("messaging.withdraw_window must be a positive duration, got %v", cfg.Messaging.WithdrawWindow))
	}
	if cfg.Messaging.BatchIDMax <= 0 {
		problems = append(problems, fmt.Sprintf("messaging.batch_id_max must be a positive integer, got %d", cfg.Messaging.BatchIDMax))
	}
	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit.per_second and rate_limit.burst must be non-negative")
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("log.max_size_mb must be a positive integer, got %d", cfg.Logging.MaxSizeMB))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// advertisedAddr derives a dialable relay address when node_address is not configured.
func advertisedAddr(relayAddr string) string {
	if strings.HasPrefix(relayAddr, ":") {
		return "127.0.0.1" + relayAddr
	}
	return relayAddr
}

func parseBackoff(raw any) ([]time.Duration, error) {
	items := stringList(raw)
	if len(items) == 0 {
		return append([]time.Duration(nil), DefaultRetryBackoff...), nil
	}
	schedule := make([]time.Duration, 0, len(items))
	for _, item := range items {
		d, err := time.ParseDuration(item)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("retry.backoff entries must be positive durations, got %q", item)
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}

// stringList accepts either a YAML sequence or a comma separated string.
func stringList(raw any) []string {
	switch value := raw.(type) {
	case nil:
		return nil
	case string:
		return parseList(value)
	case []string:
		return parseList(strings.Join(value, ","))
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			parts = append(parts, fmt.Sprint(item))
		}
		return parseList(strings.Join(parts, ","))
	default:
		return parseList(fmt.Sprint(value))
	}
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
