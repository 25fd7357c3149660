package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
)

// Duration decodes TOML duration strings ("30s", "2m") into time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// APIKey pairs a gateway API key with its signing secret and the on-ledger
// identity that key acts as.
type APIKey struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Address string `toml:"Address"`
}

// AttesterConfig locates the external attestation service.
type AttesterConfig struct {
	Endpoint       string   `toml:"Endpoint"`
	AuthToken      string   `toml:"AuthToken"`
	RequestTimeout Duration `toml:"RequestTimeout"`
}

// AuthConfig controls gateway authentication.
type AuthConfig struct {
	JWTSecret     string   `toml:"JWTSecret"`
	TimestampSkew Duration `toml:"TimestampSkew"`
	APIKeys       []APIKey `toml:"APIKeys"`
}

// RateLimitConfig throttles mutating gateway calls per API key.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Config is the full escrowd runtime configuration.
type Config struct {
	ListenAddress string          `toml:"ListenAddress"`
	Environment   string          `toml:"Environment"`
	Owner         string          `toml:"Owner"`
	SchemaID      string          `toml:"SchemaID"`
	FeedCapacity  int             `toml:"FeedCapacity"`
	Attester      AttesterConfig  `toml:"Attester"`
	Auth          AuthConfig      `toml:"Auth"`
	RateLimit     RateLimitConfig `toml:"RateLimit"`
	Telemetry     TelemetryConfig `toml:"Telemetry"`
}

const (
	defaultListenAddress  = ":8080"
	defaultFeedCapacity   = 256
	defaultAttestTimeout  = 10 * time.Second
	defaultTimestampSkew  = 2 * time.Minute
	defaultRequestsPerSec = 10
	defaultBurst          = 20

	envJWTSecret     = "ESCROWD_JWT_SECRET"
	envAttesterToken = "ESCROWD_ATTESTER_TOKEN"
)

// Load reads the TOML configuration at path, applies defaults and environment
// overrides for secrets, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.FeedCapacity <= 0 {
		c.FeedCapacity = defaultFeedCapacity
	}
	if c.Attester.RequestTimeout.Duration <= 0 {
		c.Attester.RequestTimeout.Duration = defaultAttestTimeout
	}
	if c.Auth.TimestampSkew.Duration <= 0 {
		c.Auth.TimestampSkew.Duration = defaultTimestampSkew
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = defaultRequestsPerSec
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
}

func (c *Config) applyEnvOverrides() {
	if secret := strings.TrimSpace(os.Getenv(envJWTSecret)); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if token := strings.TrimSpace(os.Getenv(envAttesterToken)); token != "" {
		c.Attester.AuthToken = token
	}
}

// Validate checks the parts of the configuration that cannot fail lazily.
func (c *Config) Validate() error {
	if _, err := c.OwnerAddress(); err != nil {
		return err
	}
	if _, err := c.Schema(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Attester.Endpoint) == "" {
		return fmt.Errorf("config: Attester.Endpoint is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config: Auth.JWTSecret is required (set %s)", envJWTSecret)
	}
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: Auth.APIKeys[%d] requires Key and Secret", i)
		}
		if _, dup := seen[key.Key]; dup {
			return fmt.Errorf("config: duplicate API key %q", key.Key)
		}
		seen[key.Key] = struct{}{}
		if _, err := crypto.DecodeAddress(key.Address); err != nil {
			return fmt.Errorf("config: Auth.APIKeys[%d].Address: %w", i, err)
		}
	}
	return nil
}

// OwnerAddress decodes the configured instance owner.
func (c *Config) OwnerAddress() ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(c.Owner))
	if err != nil {
		return [20]byte{}, fmt.Errorf("config: Owner: %w", err)
	}
	return addr.Array(), nil
}

// Schema decodes the configured attestation schema identifier.
func (c *Config) Schema() ([32]byte, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(c.SchemaID, "0x"))
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("config: SchemaID: %w", err)
	}
	if len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("config: SchemaID must be 32 bytes, got %d", len(decoded))
	}
	var schema [32]byte
	copy(schema[:], decoded)
	return schema, nil
}
