package beancounter

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the beanstalkd port assumed when a URL has none.
const DefaultPort = 11300

// DefaultURL is used when no server URL is configured.
const DefaultURL = "localhost:11300"

// Config represents beancounter configuration.
type Config struct {
	// Server URLs: "host", "host:port" or "beanstalk://host:port" (default: localhost:11300).
	URLs []string `yaml:"urls"`

	// Registry name of the strategy to use (default: climber).
	Strategy string `yaml:"strategy"`

	// Tube the climber strategy puts probe jobs in (default: bean_counter_stalk_climber_test).
	TestTube string `yaml:"test_tube"`

	// Job table of embedded servers: memory, badger or sqlite (default: memory).
	Store string `yaml:"store"`

	// Base directory of on-disk embedded stores; empty keeps them in memory.
	StorePath string `yaml:"store_path"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		URLs:     []string{DefaultURL},
		Strategy: DefaultStrategy,
		TestTube: DefaultTestTube,
		Store:    "memory",
	}
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - BEANSTALKD_URL: comma separated server URLs (default: localhost:11300)
//   - BEANCOUNTER_STRATEGY: strategy name (default: climber)
//   - BEANCOUNTER_TEST_TUBE: probe tube of the climber strategy
//   - BEANCOUNTER_STORE: embedded job table (default: memory)
//   - BEANCOUNTER_STORE_PATH: embedded store directory (default: in memory)
func LoadConfig() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadConfigFile loads a YAML configuration file and applies environment overrides on top.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every server URL.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return ErrNoServers
	}
	for _, raw := range c.URLs {
		if _, err := ParseURL(raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if urls := getEnvList("BEANSTALKD_URL"); len(urls) > 0 {
		c.URLs = urls
	}
	c.Strategy = getEnvString("BEANCOUNTER_STRATEGY", c.Strategy)
	c.TestTube = getEnvString("BEANCOUNTER_TEST_TUBE", c.TestTube)
	c.Store = getEnvString("BEANCOUNTER_STORE", c.Store)
	c.StorePath = getEnvString("BEANCOUNTER_STORE_PATH", c.StorePath)
}

// ParseURL turns a server URL into a host:port address.
// Accepted forms are "host", "host:port" and "beanstalk://host[:port]".
func ParseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty beanstalk URL")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("invalid beanstalk URI %s: %w", raw, err)
		}
		if u.Scheme != "beanstalk" {
			return "", fmt.Errorf("invalid beanstalk URI %s: unsupported scheme %q", raw, u.Scheme)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("invalid beanstalk URI %s: missing host", raw)
		}
		return joinHostPort(u.Hostname(), u.Port(), raw)
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		// no port
		return net.JoinHostPort(strings.Trim(raw, "[]"), strconv.Itoa(DefaultPort)), nil
	}
	if host == "" {
		return "", fmt.Errorf("invalid beanstalk URL %s: missing host", raw)
	}
	return joinHostPort(host, port, raw)
}

func joinHostPort(host, port, raw string) (string, error) {
	if port == "" {
		return net.JoinHostPort(host, strconv.Itoa(DefaultPort)), nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("invalid beanstalk URL %s: bad port %q", raw, port)
	}
	return net.JoinHostPort(host, port), nil
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var list []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}
