package stackmob

import (
	"fmt"
	"time"
)

// Version is the library version reported in the user agent.
const Version = "0.5.0"

// DefaultAPIHost is the production API endpoint.
const DefaultAPIHost = "https://api.stackmob.com"

// AuthScheme selects how outgoing requests are signed.
type AuthScheme int

const (
	// AuthOAuth2 sends the public key in X-StackMob-API-Key on every
	// request and signs with a MAC token once a user session exists.
	// This is the scheme for untrusted clients; the private key is
	// never used on the wire.
	AuthOAuth2 AuthScheme = iota

	// AuthOAuth1 signs every request with the key pair using OAuth 1.0a
	// HMAC-SHA1. This is the scheme for trusted server-side code.
	AuthOAuth1
)

// String returns the scheme name
func (s AuthScheme) String() string {
	switch s {
	case AuthOAuth1:
		return "oauth1"
	case AuthOAuth2:
		return "oauth2"
	default:
		return "unknown"
	}
}

// Config holds the configuration for a StackMob client. PublicKey is
// the only mandatory field under OAuth2; OAuth1 also requires
// PrivateKey.
//
// Configuration is built with the fluent builder pattern:
//
//	config := stackmob.DefaultConfig().
//	    WithKeys("pub", "priv").
//	    WithAPIVersion(1).
//	    WithTimeout(10 * time.Second).
//	    WithRetries(5)
//
//	client, err := stackmob.NewClient(config)
type Config struct {
	// BaseURL is the API endpoint.
	// Default: https://api.stackmob.com
	BaseURL string

	// PublicKey is the application's public API key.
	PublicKey string

	// PrivateKey is the application's private key. Required for OAuth1;
	// unused on the wire under OAuth2.
	PrivateKey string

	// APIVersion selects the deployed API version via the Accept header.
	// 0 targets the development sandbox, 1 and above target deployed
	// production versions. Default: 0
	APIVersion int

	// AuthScheme selects the signing scheme. Default: AuthOAuth2
	AuthScheme AuthScheme

	// AppName, when set, is appended to the user agent so server logs
	// can attribute traffic to the embedding application.
	AppName string

	// Timeout is the per-request HTTP timeout, including connection
	// time and reading the response body. Default: 30s
	Timeout time.Duration

	// RetryConfig holds retry-related settings.
	RetryConfig RetryConfig

	// TransportConfig holds HTTP connection pool settings.
	TransportConfig TransportConfig

	// Headers are custom headers to include in all requests.
	Headers map[string]string

	// CircuitBreakerConfig holds circuit breaker settings.
	// If nil, circuit breaking is disabled.
	CircuitBreakerConfig *CircuitBreakerConfig

	// EnablePerEndpointCircuitBreaker gives each endpoint its own
	// circuit breaker state instead of one shared breaker.
	EnablePerEndpointCircuitBreaker bool

	// RetryStrategy overrides the retry strategy. If nil, exponential
	// backoff built from RetryConfig is used.
	RetryStrategy RetryStrategy

	// HedgedRequestConfig, when set, enables hedged execution of
	// idempotent GET requests to cut tail latency.
	HedgedRequestConfig *HedgedRequest

	// Observer receives request, retry, circuit, and session events.
	// If nil, NoopObserver is used.
	Observer Observer

	// TokenStore persists the user session. If nil, an in-memory store
	// is used and sessions die with the process.
	TokenStore TokenStore

	// RefreshSkew refreshes the access token this long before its
	// stated expiry, absorbing clock drift between client and server.
	// Default: 30s
	RefreshSkew time.Duration

	// MaxRedirects caps the cluster redirect chain. Each hop is
	// re-signed before being followed. Default: 5
	MaxRedirects int
}

// RetryConfig holds retry-related configuration. The client retries
// with exponential backoff and jitter by default.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Set to 0 to disable retries. Default: 3
	MaxRetries int

	// InitialInterval is the initial retry interval. Default: 100ms
	InitialInterval time.Duration

	// MaxInterval caps the retry interval. Default: 5s
	MaxInterval time.Duration

	// Multiplier is the exponential backoff multiplier. Default: 2.0
	Multiplier float64
}

// TransportConfig holds HTTP connection pool configuration.
type TransportConfig struct {
	// MaxIdleConns controls the maximum number of idle connections
	// across all hosts. Zero means no limit. Default: 100
	MaxIdleConns int

	// MaxConnsPerHost controls the maximum connections per host.
	// Default: 10
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection is kept before
	// closing. Default: 90s
	IdleConnTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults: the public
// API host, development API version 0, OAuth2 signing, a 30 second
// timeout, and 3 retries with exponential backoff.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    DefaultAPIHost,
		APIVersion: 0,
		AuthScheme: AuthOAuth2,
		Timeout:    30 * time.Second,
		RetryConfig: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		},
		TransportConfig: TransportConfig{
			MaxIdleConns:    100,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		Headers:      make(map[string]string),
		Observer:     &NoopObserver{},
		RefreshSkew:  30 * time.Second,
		MaxRedirects: 5,
	}
}

// WithKeys sets the application key pair.
func (c *Config) WithKeys(publicKey, privateKey string) *Config {
	c.PublicKey = publicKey
	c.PrivateKey = privateKey
	return c
}

// WithBaseURL overrides the API endpoint. Useful for tests and
// dedicated clusters.
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = url
	return c
}

// WithAPIVersion targets a deployed API version. 0 is the development
// sandbox; 1 and above are production snapshots.
func (c *Config) WithAPIVersion(version int) *Config {
	c.APIVersion = version
	return c
}

// WithOAuth1 switches to OAuth 1.0a signing for trusted server-side
// use. Requires both keys.
func (c *Config) WithOAuth1() *Config {
	c.AuthScheme = AuthOAuth1
	return c
}

// WithAppName tags the user agent with the embedding application name.
func (c *Config) WithAppName(name string) *Config {
	c.AppName = name
	return c
}

// WithTimeout sets the per-request timeout.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRetries sets the maximum number of retry attempts for failed
// requests. Set to 0 to disable automatic retries.
func (c *Config) WithRetries(maxRetries int) *Config {
	c.RetryConfig.MaxRetries = maxRetries
	return c
}

// WithHeader adds a custom header sent with every request.
func (c *Config) WithHeader(key, value string) *Config {
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	c.Headers[key] = value
	return c
}

// WithCircuitBreaker enables and configures circuit breaker protection.
func (c *Config) WithCircuitBreaker(config CircuitBreakerConfig) *Config {
	c.CircuitBreakerConfig = &config
	return c
}

// WithPerEndpointCircuitBreaker gives each endpoint its own circuit
// breaker state, isolating failures per endpoint.
func (c *Config) WithPerEndpointCircuitBreaker() *Config {
	c.EnablePerEndpointCircuitBreaker = true
	return c
}

// WithRetryStrategy sets a custom retry strategy.
func (c *Config) WithRetryStrategy(strategy RetryStrategy) *Config {
	c.RetryStrategy = strategy
	return c
}

// WithHedgedRequests enables hedged execution of idempotent GETs.
func (c *Config) WithHedgedRequests(config HedgedRequest) *Config {
	c.HedgedRequestConfig = &config
	return c
}

// WithObserver sets the observer for monitoring client operations.
func (c *Config) WithObserver(observer Observer) *Config {
	c.Observer = observer
	return c
}

// WithTokenStore sets the session persistence backend.
func (c *Config) WithTokenStore(store TokenStore) *Config {
	c.TokenStore = store
	return c
}

// Validate validates the configuration and fills defaults for missing
// values. Called automatically by NewClient and NewExtendedClient.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.PublicKey == "" {
		return fmt.Errorf("%w: public key required", ErrInvalidConfig)
	}
	if c.AuthScheme == AuthOAuth1 && c.PrivateKey == "" {
		return fmt.Errorf("%w: OAuth1 requires a private key", ErrInvalidConfig)
	}
	if c.APIVersion < 0 {
		return fmt.Errorf("%w: API version cannot be negative", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryConfig.MaxRetries < 0 {
		c.RetryConfig.MaxRetries = 0
	}
	if c.RetryConfig.InitialInterval <= 0 {
		c.RetryConfig.InitialInterval = 100 * time.Millisecond
	}
	if c.RetryConfig.MaxInterval <= 0 {
		c.RetryConfig.MaxInterval = 5 * time.Second
	}
	if c.RetryConfig.Multiplier <= 1 {
		c.RetryConfig.Multiplier = 2.0
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.Observer == nil {
		c.Observer = &NoopObserver{}
	}
	if c.TokenStore == nil {
		c.TokenStore = NewMemoryTokenStore()
	}
	if c.CircuitBreakerConfig != nil {
		if c.CircuitBreakerConfig.FailureThreshold <= 0 {
			c.CircuitBreakerConfig.FailureThreshold = 5
		}
		if c.CircuitBreakerConfig.SuccessThreshold <= 0 {
			c.CircuitBreakerConfig.SuccessThreshold = 2
		}
		if c.CircuitBreakerConfig.Timeout <= 0 {
			c.CircuitBreakerConfig.Timeout = 30 * time.Second
		}
		if c.CircuitBreakerConfig.HalfOpenRequests <= 0 {
			c.CircuitBreakerConfig.HalfOpenRequests = 3
		}
	}
	return nil
}

// userAgent builds the X-StackMob-User-Agent value.
func (c *Config) userAgent() string {
	ua := fmt.Sprintf("stackmob-go/%s", Version)
	if c.AppName != "" {
		ua += "/" + c.AppName
	}
	return ua
}

// acceptHeader builds the versioned Accept value.
func (c *Config) acceptHeader() string {
	return fmt.Sprintf("application/vnd.stackmob+json; version=%d", c.APIVersion)
}
