package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	liststr "syncbridge/pkg/platform/strings"
)

// Config is the full runtime configuration assembled from the environment.
type Config struct {
	Server      Server
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	ObjectStore ObjectStoreConfig
	EVault      EVaultConfig
	Sync        SyncConfig
	Auth        AuthConfig
	Log         LogConfig

	IdentityBackend string
	LockBackend     string
	LocalBackend    string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL          string
	Driver       string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	AutoMigrate  bool
	SQLitePath   string
}

// RedisConfig configures the shared lock store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the outbound publication topic.
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// ObjectStoreConfig configures the failed-payload archive. Empty Endpoint
// disables archiving.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// EVaultConfig configures the remote registry publisher.
type EVaultConfig struct {
	RegistryURL      string
	Timeout          time.Duration
	FailureThreshold int
	BreakerCooldown  time.Duration
}

// SyncConfig holds the synchronization engine tunables.
type SyncConfig struct {
	MappingsDir       string
	DebounceWindow    time.Duration
	DebounceOverrides map[string]time.Duration
	LockGrace         time.Duration
	ContextTTL        time.Duration
	ContextCloseDelay time.Duration
	ProtectedTables   []string
	TrustedServices   []string
	Platform          string
	PublishSink       string
	WebhookRetention  time.Duration
	JanitorInterval   time.Duration
	NotifyChannel     string
	InstallTriggers   bool
}

// AuthConfig configures optional webhook bearer verification and the admin
// token guarding the change hook and operation-context routes. An empty
// WebhookSecret accepts unauthenticated webhooks; an empty AdminToken
// rejects every admin request.
type AuthConfig struct {
	AdminToken       string
	WebhookSecret    string
	Issuer           string
	AllowedPlatforms []string
	Leeway           time.Duration
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Format string
	Level  string
}

// Defaults mirrored from the platform adapters this engine replaces.
var (
	DefaultProtectedTables = []string{"groups", "messages"}
	DefaultTrustedServices = []string{"ConsentService", "AIMatchingService", "MatchNotificationService", "GroupService"}
)

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	overrides, err := parseDurationMap(os.Getenv("SYNC_DEBOUNCE_OVERRIDES"))
	if err != nil {
		return Config{}, fmt.Errorf("SYNC_DEBOUNCE_OVERRIDES: %w", err)
	}

	cfg := Config{
		Server: Server{
			Addr:            envOr("SYNCBRIDGE_ADDR", ":8080"),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			Driver:       envOr("DATABASE_DRIVER", "postgres"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLife:  envDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:  envBool("DATABASE_AUTO_MIGRATE", true),
			SQLitePath:   envOr("SQLITE_PATH", "mapping.db"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:           envList("KAFKA_BROKERS", nil),
			Topic:             envOr("KAFKA_TOPIC", "syncbridge.meta-envelopes"),
			Partitions:        int32(envInt("KAFKA_TOPIC_PARTITIONS", 3)),
			ReplicationFactor: int16(envInt("KAFKA_TOPIC_REPLICATION", 1)),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
			AccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
			SecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
			Bucket:    envOr("OBJECT_STORE_BUCKET", "syncbridge-failed-webhooks"),
			UseSSL:    envBool("OBJECT_STORE_USE_SSL", false),
		},
		EVault: EVaultConfig{
			RegistryURL:      os.Getenv("EVAULT_REGISTRY_URL"),
			Timeout:          envDuration("EVAULT_TIMEOUT", 10*time.Second),
			FailureThreshold: envInt("EVAULT_FAILURE_THRESHOLD", 5),
			BreakerCooldown:  envDuration("EVAULT_BREAKER_COOLDOWN", 30*time.Second),
		},
		Sync: SyncConfig{
			MappingsDir:       envOr("SYNC_MAPPINGS_DIR", "mappings"),
			DebounceWindow:    envDuration("SYNC_DEBOUNCE_WINDOW", 3*time.Second),
			DebounceOverrides: overrides,
			LockGrace:         envDuration("SYNC_LOCK_GRACE", time.Second),
			ContextTTL:        envDuration("SYNC_CONTEXT_TTL", 30*time.Second),
			ContextCloseDelay: envDuration("SYNC_CONTEXT_CLOSE_DELAY", time.Second),
			ProtectedTables:   envList("SYNC_PROTECTED_TABLES", DefaultProtectedTables),
			TrustedServices:   envList("SYNC_TRUSTED_SERVICES", DefaultTrustedServices),
			Platform:          os.Getenv("SYNC_PLATFORM"),
			PublishSink:       envOr("SYNC_PUBLISH_SINK", "log"),
			WebhookRetention:  envDuration("SYNC_WEBHOOK_RETENTION", 7*24*time.Hour),
			JanitorInterval:   envDuration("SYNC_JANITOR_INTERVAL", time.Hour),
			NotifyChannel:     envOr("SYNC_NOTIFY_CHANNEL", "syncbridge_changes"),
			InstallTriggers:   envBool("SYNC_INSTALL_TRIGGERS", false),
		},
		Auth: AuthConfig{
			AdminToken:       os.Getenv("SYNC_ADMIN_TOKEN"),
			WebhookSecret:    os.Getenv("WEBHOOK_JWT_SECRET"),
			Issuer:           os.Getenv("WEBHOOK_JWT_ISSUER"),
			AllowedPlatforms: envList("WEBHOOK_ALLOWED_PLATFORMS", nil),
			Leeway:           envDuration("WEBHOOK_JWT_LEEWAY", 30*time.Second),
		},
		Log: LogConfig{
			Format: envOr("LOG_FORMAT", "json"),
			Level:  envOr("LOG_LEVEL", "info"),
		},
		IdentityBackend: envOr("IDENTITY_BACKEND", "memory"),
		LockBackend:     envOr("LOCK_BACKEND", "memory"),
		LocalBackend:    envOr("LOCAL_BACKEND", "memory"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects inconsistent combinations.
func (c Config) Validate() error {
	switch c.IdentityBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("IDENTITY_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown IDENTITY_BACKEND %q", c.IdentityBackend)
	}
	switch c.LockBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.LocalBackend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("LOCAL_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown LOCAL_BACKEND %q", c.LocalBackend)
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver)
	}
	switch c.Sync.PublishSink {
	case "log":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("SYNC_PUBLISH_SINK=kafka requires KAFKA_BROKERS")
		}
	case "evault":
		if c.EVault.RegistryURL == "" {
			return fmt.Errorf("SYNC_PUBLISH_SINK=evault requires EVAULT_REGISTRY_URL")
		}
	default:
		return fmt.Errorf("unknown SYNC_PUBLISH_SINK %q", c.Sync.PublishSink)
	}
	if c.Sync.DebounceWindow <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE_WINDOW must be positive")
	}
	if c.Sync.ContextTTL <= 0 {
		return fmt.Errorf("SYNC_CONTEXT_TTL must be positive")
	}
	return nil
}

// MaxDebounce returns the largest configured debounce window.
func (s SyncConfig) MaxDebounce() time.Duration {
	longest := s.DebounceWindow
	for _, d := range s.DebounceOverrides {
		if d > longest {
			longest = d
		}
	}
	return longest
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return liststr.SplitList(v, ",")
}

// parseDurationMap parses "groups=5s,messages=2s".
func parseDurationMap(raw string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", pair, err)
		}
		out[key] = d
	}
	return out, nil
}
