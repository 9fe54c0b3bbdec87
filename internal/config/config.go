package config

import (
	"errors"
	"time"
)

// Config holds configuration for both the server and the chat client.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig configures `wirechat serve`.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	// WSRateLimit is the number of inbound frames per second allowed on one
	// websocket connection; zero disables limiting.
	WSRateLimit  float64 `mapstructure:"ws_rate_limit" yaml:"ws_rate_limit"`
	WSRateBurst  int     `mapstructure:"ws_rate_burst" yaml:"ws_rate_burst"`
	BusQueueSize int     `mapstructure:"bus_queue_size" yaml:"bus_queue_size"`

	// JWTSecret switches authentication from the plain user header to
	// HS256 bearer tokens whose subject is the user id.
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// ClientConfig configures `wirechat chat`.
type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url" yaml:"server_url"`
	UserID            string        `mapstructure:"user_id" yaml:"user_id"`
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	FetchRetries      int           `mapstructure:"fetch_retries" yaml:"fetch_retries"`
	FetchRetryDelay   time.Duration `mapstructure:"fetch_retry_delay" yaml:"fetch_retry_delay"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// Token is sent as a bearer token when the server requires one.
	Token string `mapstructure:"token" yaml:"token"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			DatabasePath:      "wirechat.db",
			WSRateLimit:       20,
			WSRateBurst:       40,
			BusQueueSize:      64,
			JWTIssuer:         "wirechat",
			JWTAudience:       "wirechat-clients",
			TokenTTL:          24 * time.Hour,
		},
		Client: ClientConfig{
			ServerURL:         "http://localhost:8080",
			PageSize:          50,
			FetchRetries:      2,
			FetchRetryDelay:   200 * time.Millisecond,
			ReconnectAttempts: 5,
			ReconnectDelay:    500 * time.Millisecond,
			RequestTimeout:    10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.DatabasePath != "" {
		c.Server.DatabasePath = other.Server.DatabasePath
	}
	if other.Client.ServerURL != "" {
		c.Client.ServerURL = other.Client.ServerURL
	}
	if other.Client.UserID != "" {
		c.Client.UserID = other.Client.UserID
	}
	if other.Client.Token != "" {
		c.Client.Token = other.Client.Token
	}
	if other.Client.PageSize != 0 {
		c.Client.PageSize = other.Client.PageSize
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// ValidateServer checks the values `serve` depends on.
func (c Config) ValidateServer() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.DatabasePath == "" {
		errs = append(errs, errors.New("server.database_path is required"))
	}
	if c.Server.WSRateLimit < 0 {
		errs = append(errs, errors.New("server.ws_rate_limit must not be negative"))
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 16 {
		errs = append(errs, errors.New("server.jwt_secret must be at least 16 bytes"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks the values `chat` depends on.
func (c Config) ValidateClient() error {
	var errs []error
	if c.Client.ServerURL == "" {
		errs = append(errs, errors.New("client.server_url is required"))
	}
	if c.Client.UserID == "" {
		errs = append(errs, errors.New("client.user_id is required"))
	}
	if c.Client.PageSize < 0 {
		errs = append(errs, errors.New("client.page_size must not be negative"))
	}
	return errors.Join(errs...)
}
