// Package config provides configuration management for taskhub.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for taskhub.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Session is the login session configuration.
	Session SessionConfig `mapstructure:"session"`

	// Live is the live-update gateway configuration.
	Live LiveConfig `mapstructure:"live"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds REST handlers. Live-update routes are exempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`

	// PoolSize is the number of pooled connections. Zero picks a default.
	PoolSize int `mapstructure:"pool_size" validate:"min=0"`
}

// SessionConfig holds login session settings.
type SessionConfig struct {
	// Type is the session store (memory, redis).
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// CookieName is the name of the session cookie.
	CookieName string `mapstructure:"cookie_name" validate:"required"`

	// TTL is how long a session stays valid.
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// SecureCookie marks the cookie Secure.
	SecureCookie bool `mapstructure:"secure_cookie"`

	// BcryptCost is the password hashing work factor.
	BcryptCost int `mapstructure:"bcrypt_cost" validate:"min=4,max=31"`

	// Redis is the redis session store configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces session keys.
	KeyPrefix string `mapstructure:"key_prefix"`

	// MaxRetries bounds connection attempts at startup.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0"`
}

// LiveConfig holds live-update gateway settings.
type LiveConfig struct {
	// MaxConnections caps concurrent live connections. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"send_buffer" validate:"min=1"`

	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`

	// PongTimeout is how long to wait for a pong before dropping the connection.
	PongTimeout time.Duration `mapstructure:"pong_timeout" validate:"gtfield=PingInterval"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`

	// MaxMessageBytes limits inbound frame size.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" validate:"min=1"`

	// RelayRate is the sustained relay frames per second per connection.
	RelayRate float64 `mapstructure:"relay_rate" validate:"gt=0"`

	// RelayBurst is the relay token bucket size.
	RelayBurst int `mapstructure:"relay_burst" validate:"min=1"`

	// AllowedOrigins lists extra origins accepted on upgrade. Same-host
	// requests are always accepted; "*" accepts everything.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is the sampling strategy (always_on, always_off, parentbased_traceidratio).
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Session: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Session.Type)
}
