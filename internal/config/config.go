package config

import (
	"errors"
	"fmt"
	"time"
)

// Last-attended update policies for individuals marked present.
const (
	LastAttendedMonotonic = "monotonic"
	LastAttendedOverwrite = "overwrite"
)

// Config represents the attendance sync service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Attendance  AttendanceConfig  `mapstructure:"attendance"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig represents credential verification configuration
type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWKSURL         string        `mapstructure:"jwks_url"`
	JWKSRefresh     time.Duration `mapstructure:"jwks_refresh"`
	Issuer          string        `mapstructure:"issuer"`
	CookieName      string        `mapstructure:"cookie_name"`
	QueryParam      string        `mapstructure:"query_param"`
	UserCacheTTL    time.Duration `mapstructure:"user_cache_ttl"`
	ClockSkewLeeway time.Duration `mapstructure:"clock_skew_leeway"`
}

// DatabaseConfig represents PostgreSQL record store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents Redis fingerprint store configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// StoreConfig selects the record store backend
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DedupConfig represents duplicate submission filter configuration
type DedupConfig struct {
	Backend       string        `mapstructure:"backend"`
	Window        time.Duration `mapstructure:"window"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxEntries    int           `mapstructure:"max_entries"`
}

// AttendanceConfig represents mutation pipeline configuration
type AttendanceConfig struct {
	MutationTimeout    time.Duration `mapstructure:"mutation_timeout"`
	LastAttendedPolicy string        `mapstructure:"last_attended_policy"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
}

// WebSocketConfig represents connection liveness and framing configuration
type WebSocketConfig struct {
	Path           string        `mapstructure:"path"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// PresenceConfig toggles the room presence tracker
type PresenceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RateLimiterConfig represents HTTP and per-connection rate limits
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
}

// CacheConfig represents user lookup cache configuration
type CacheConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SeedConfig preloads the memory record store with the churches' users,
// gatherings and individuals. It has no effect on the postgres backend.
type SeedConfig struct {
	Users       []SeedUser       `mapstructure:"users"`
	Gatherings  []SeedGathering  `mapstructure:"gatherings"`
	Individuals []SeedIndividual `mapstructure:"individuals"`
}

// SeedUser is a user account of a church
type SeedUser struct {
	ID       int64  `mapstructure:"id"`
	ChurchID int64  `mapstructure:"church_id"`
	Email    string `mapstructure:"email"`
	Role     string `mapstructure:"role"`
	Active   bool   `mapstructure:"active"`
}

// SeedGathering is a gathering owned by a church
type SeedGathering struct {
	ID       int64 `mapstructure:"id"`
	ChurchID int64 `mapstructure:"church_id"`
}

// SeedIndividual is a person belonging to a church
type SeedIndividual struct {
	ID       int64 `mapstructure:"id"`
	ChurchID int64 `mapstructure:"church_id"`
}

// Empty reports whether nothing is seeded
func (s SeedConfig) Empty() bool {
	return len(s.Users) == 0 && len(s.Gatherings) == 0 && len(s.Individuals) == 0
}

func (s SeedConfig) validate() error {
	for _, u := range s.Users {
		if u.ID <= 0 || u.ChurchID <= 0 {
			return errors.New("seed.users entries need positive id and church_id")
		}
	}
	for _, g := range s.Gatherings {
		if g.ID <= 0 || g.ChurchID <= 0 {
			return errors.New("seed.gatherings entries need positive id and church_id")
		}
	}
	for _, i := range s.Individuals {
		if i.ID <= 0 || i.ChurchID <= 0 {
			return errors.New("seed.individuals entries need positive id and church_id")
		}
	}
	return nil
}

// Address returns the HTTP listen address
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("one of auth.jwt_secret or auth.jwks_url is required")
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Auth.QueryParam == "" {
		c.Auth.QueryParam = "token"
	}

	switch c.Store.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
		if !c.Seed.Empty() {
			return errors.New("seed is only supported with store.backend memory")
		}
	case "memory":
		if err := c.Seed.validate(); err != nil {
			return err
		}
	default:
		return errors.New("store.backend must be one of: postgres, memory")
	}

	switch c.Dedup.Backend {
	case "redis":
		if c.Redis.Host == "" {
			return errors.New("redis.host is required")
		}
	case "memory":
	default:
		return errors.New("dedup.backend must be one of: memory, redis")
	}
	if c.Dedup.Window <= 0 {
		return errors.New("dedup.window must be positive")
	}
	if c.Dedup.Retention < c.Dedup.Window {
		return errors.New("dedup.retention must not be shorter than dedup.window")
	}
	if c.Dedup.MaxEntries <= 0 {
		return errors.New("dedup.max_entries must be positive")
	}

	if c.Attendance.LastAttendedPolicy == "" {
		c.Attendance.LastAttendedPolicy = LastAttendedMonotonic
	}
	if !isValidLastAttendedPolicy(c.Attendance.LastAttendedPolicy) {
		return errors.New("attendance.last_attended_policy must be one of: monotonic, overwrite")
	}
	if c.Attendance.MaxBatchSize <= 0 {
		return errors.New("attendance.max_batch_size must be positive")
	}
	if c.Attendance.MutationTimeout <= 0 {
		return errors.New("attendance.mutation_timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("websocket.pong_wait must be longer than websocket.ping_interval")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket.send_buffer must be positive")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func isValidLastAttendedPolicy(policy string) bool {
	switch policy {
	case LastAttendedMonotonic, LastAttendedOverwrite:
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			JWKSRefresh:     time.Hour,
			CookieName:      "token",
			QueryParam:      "token",
			UserCacheTTL:    15 * time.Second,
			ClockSkewLeeway: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "church_attendance",
			User:            "attendance",
			SSLMode:         "disable",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     20,
			MinIdleConns: 2,
			KeyPrefix:    "attendance:dedup:",
		},
		Store: StoreConfig{
			Backend: "postgres",
		},
		Dedup: DedupConfig{
			Backend:       "memory",
			Window:        500 * time.Millisecond,
			Retention:     5 * time.Second,
			SweepInterval: 30 * time.Second,
			MaxEntries:    10000,
		},
		Attendance: AttendanceConfig{
			MutationTimeout:    10 * time.Second,
			LastAttendedPolicy: LastAttendedMonotonic,
			MaxBatchSize:       500,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			PingInterval:   25 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 512 * 1024,
			SendBuffer:     256,
		},
		Presence: PresenceConfig{
			Enabled: true,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			Burst:             200,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Cache: CacheConfig{
			MaxSize:         10000,
			CleanupInterval: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
