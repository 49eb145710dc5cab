package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// HeaderConfig names a request header the filter injects, with an optional
// preamble prepended to the value ("Bearer" for Authorization-style headers).
type HeaderConfig struct {
	Header   string `mapstructure:"header"`
	Preamble string `mapstructure:"preamble"`
}

// LogoutConfig enables logout handling: requests for Path clear the session
// and redirect the user agent to RedirectToURI.
type LogoutConfig struct {
	Path          string `mapstructure:"path"`
	RedirectToURI string `mapstructure:"redirect_to_uri"`
}

// OIDCConfig is the read-only configuration of the authorization filter.
type OIDCConfig struct {
	Authorization Endpoint `mapstructure:"authorization"`
	Token         Endpoint `mapstructure:"token"`
	Callback      Endpoint `mapstructure:"callback"`
	JWKSURI       string   `mapstructure:"jwks_uri"`

	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`

	CookieNamePrefix string `mapstructure:"cookie_name_prefix"`
	// Timeout bounds the authorization roundtrip: it becomes the state
	// cookie's Max-Age, in seconds.
	Timeout     int64  `mapstructure:"timeout"`
	LandingPage string `mapstructure:"landing_page"`

	Logout      *LogoutConfig `mapstructure:"logout"`
	AccessToken *HeaderConfig `mapstructure:"access_token"`
	IDToken     HeaderConfig  `mapstructure:"id_token"`

	// EnforceHTTPSScheme rejects requests whose scheme is present and not
	// https. An empty scheme always passes: behind a TLS-terminating proxy
	// the filter may legitimately observe none.
	EnforceHTTPSScheme bool `mapstructure:"enforce_https_scheme"`

	// CryptoSecret is the base64-encoded 32-byte key for the state cookie
	// encryptor.
	CryptoSecret string `mapstructure:"crypto_secret"`
}

// RedisConfig configures the redis-backed session store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Config holds the full server configuration.
type Config struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	MetricsAddr     string `mapstructure:"metrics_addr"`
	LogLevel        string `mapstructure:"log_level"`
	LogPretty       bool   `mapstructure:"log_pretty"`
	OtelServiceName string `mapstructure:"otel_service_name"`

	// SessionStore selects the backend: "memory" or "redis".
	SessionStore string `mapstructure:"session_store"`
	// SessionTTLSeconds is how long a session stays in the store after it
	// was last written; reads do not extend it. Zero keeps sessions until
	// logout or refresh failure.
	SessionTTLSeconds int64       `mapstructure:"session_ttl_seconds"`
	Redis             RedisConfig `mapstructure:"redis"`

	OIDC OIDCConfig `mapstructure:"oidc"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults. A missing config file is fine; a malformed one is not.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("shadow-authz")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/shadow-authz/")
	v.AddConfigPath("$HOME/.shadow-authz")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_addr", ":10003")
	v.SetDefault("metrics_addr", ":9191")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("otel_service_name", "shadow-authz")
	v.SetDefault("session_store", "memory")
	v.SetDefault("session_ttl_seconds", 0)
	v.SetDefault("oidc.timeout", 300)
	v.SetDefault("oidc.id_token.header", "Authorization")
	v.SetDefault("oidc.id_token.preamble", "Bearer")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete enough to run the
// filter.
func (c *Config) Validate() error {
	if c.SessionStore != "memory" && c.SessionStore != "redis" {
		return fmt.Errorf("session_store must be memory or redis, got %q", c.SessionStore)
	}
	if c.SessionStore == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when session_store is redis")
	}
	return c.OIDC.Validate()
}

// Validate checks the filter configuration.
func (c *OIDCConfig) Validate() error {
	for _, ep := range []struct {
		name string
		ep   Endpoint
	}{
		{"oidc.authorization", c.Authorization},
		{"oidc.token", c.Token},
		{"oidc.callback", c.Callback},
	} {
		if err := ep.ep.validate(ep.name); err != nil {
			return err
		}
	}
	if c.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oidc.client_secret is required")
	}
	if c.IDToken.Header == "" {
		return fmt.Errorf("oidc.id_token.header is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("oidc.timeout must be positive, got %d", c.Timeout)
	}
	if c.LandingPage == "" {
		return fmt.Errorf("oidc.landing_page is required")
	}
	if c.Logout != nil && (c.Logout.Path == "" || c.Logout.RedirectToURI == "") {
		return fmt.Errorf("oidc.logout requires both path and redirect_to_uri")
	}
	if c.AccessToken != nil && c.AccessToken.Header == "" {
		return fmt.Errorf("oidc.access_token.header is required when access_token is set")
	}
	if _, err := c.CryptoKey(); err != nil {
		return err
	}
	return nil
}

// CryptoKey decodes the state cookie encryption key.
func (c *OIDCConfig) CryptoKey() ([]byte, error) {
	if c.CryptoSecret == "" {
		return nil, fmt.Errorf("oidc.crypto_secret is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.CryptoSecret)
	if err != nil {
		return nil, fmt.Errorf("oidc.crypto_secret is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("oidc.crypto_secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
