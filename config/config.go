// Package config loads settings of the command line tools: a YAML file for
// everything except credentials, which come from the environment (optionally
// loaded from a dotenv file).
package config

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/rest"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/logger"
	"gopkg.in/yaml.v2"
)

// Environment variables holding credentials.
const (
	EnvAPIKey      = "CAPITAL_API_KEY"
	EnvIdentifier  = "CAPITAL_IDENTIFIER"
	EnvPassword    = "CAPITAL_PASSWORD"
	EnvEnvironment = "CAPITAL_ENVIRONMENT"
)

const (
	EnvironmentDemo = "demo"
	EnvironmentLive = "live"
)

type Config struct {
	// Environment is either "demo" or "live"; it selects the REST API URL
	// unless APIURL is set.
	Environment string `yaml:"environment"`
	APIURL      string `yaml:"api_url"`
	StreamURL   string `yaml:"stream_url"`

	LogLevel string `yaml:"log_level"`

	Reconnect         ReconnectConfig `yaml:"reconnect"`
	KeepAliveInterval time.Duration   `yaml:"keepalive_interval"`

	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Subscriptions are in the format understood by
	// websocket.ParseSubscription, e.g. "market:BTCUSD".
	Subscriptions []string `yaml:"subscriptions"`

	// Credentials are never read from the file.
	Credentials Credentials `yaml:"-"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// NATSConfig configures forwarding of stream data to NATS; empty URL means
// disabled.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	Timeout       time.Duration `yaml:"timeout"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// MetricsConfig configures the prometheus endpoint; empty Addr means
// disabled.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

type Credentials struct {
	APIKey     string
	Identifier string
	Password   string
}

// Default returns the configuration used for everything not given in the
// file.
func Default() *Config {
	return &Config{
		Environment: EnvironmentDemo,
		StreamURL:   websocket.DefaultURL,
		LogLevel:    "info",
		Reconnect: ReconnectConfig{
			BaseDelay:   5 * time.Second,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 10,
		},
		KeepAliveInterval: websocket.DefaultKeepAliveInterval,
		NATS: NATSConfig{
			SubjectPrefix: "capital",
			Name:          "capital-stream-client",
			Timeout:       5 * time.Second,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Metrics: MetricsConfig{
			Namespace: "capital",
		},
	}
}

// Load reads the YAML file on top of Default. Unknown keys are errors. If
// path is empty, defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %q", path)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing config %q", path)
	}

	return cfg, nil
}

// LoadEnv loads the given dotenv files (".env" if none) into the process
// environment; variables which are already set are not overridden. Missing
// files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}

		if err := godotenv.Load(f); err != nil {
			return errors.Annotatef(err, "loading %q", f)
		}
	}

	return nil
}

// ApplyEnv takes credentials (and the environment, if set) from the process
// environment.
func (c *Config) ApplyEnv() {
	c.Credentials = Credentials{
		APIKey:     os.Getenv(EnvAPIKey),
		Identifier: os.Getenv(EnvIdentifier),
		Password:   os.Getenv(EnvPassword),
	}

	if env := os.Getenv(EnvEnvironment); env != "" {
		c.Environment = strings.ToLower(env)
	}
}

// RESTURL returns APIURL if set, or the URL of the configured environment.
func (c *Config) RESTURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}

	if c.Environment == EnvironmentLive {
		return rest.LiveURL
	}

	return rest.DemoURL
}

// StreamSubscriptions parses Subscriptions.
func (c *Config) StreamSubscriptions() ([]websocket.StreamSubscription, error) {
	subs := make([]websocket.StreamSubscription, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		sub, err := websocket.ParseSubscription(s)
		if err != nil {
			return nil, errors.Trace(err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// ReconnectOpts converts Reconnect to the streaming client options.
func (c *Config) ReconnectOpts() *websocket.ReconnectOpts {
	return &websocket.ReconnectOpts{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// Validate checks the whole configuration; credentials are only checked if
// needCreds is true.
func (c *Config) Validate(needCreds bool) error {
	if c.Environment != EnvironmentDemo && c.Environment != EnvironmentLive {
		return errors.NotValidf("environment %q (want %q or %q)", c.Environment, EnvironmentDemo, EnvironmentLive)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errors.Trace(err)
	}

	if c.StreamURL != "" && !strings.HasPrefix(c.StreamURL, "ws://") && !strings.HasPrefix(c.StreamURL, "wss://") {
		return errors.NotValidf("stream URL %q", c.StreamURL)
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.NotValidf("reconnect base delay %s", c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.NotValidf("reconnect max delay %s less than base delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.NotValidf("reconnect max attempts %d", c.Reconnect.MaxAttempts)
	}

	if c.KeepAliveInterval <= 0 {
		return errors.NotValidf("keepalive interval %s", c.KeepAliveInterval)
	}

	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return errors.NotValidf("empty NATS subject prefix")
	}

	if _, err := c.StreamSubscriptions(); err != nil {
		return errors.Trace(err)
	}

	if needCreds {
		var missing []string
		if c.Credentials.APIKey == "" {
			missing = append(missing, EnvAPIKey)
		}
		if c.Credentials.Identifier == "" {
			missing = append(missing, EnvIdentifier)
		}
		if c.Credentials.Password == "" {
			missing = append(missing, EnvPassword)
		}

		if len(missing) > 0 {
			return errors.NotValidf("credentials: %s not set", strings.Join(missing, ", "))
		}
	}

	return nil
}
