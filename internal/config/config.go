package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pitlink configuration.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Buffer BufferConfig `yaml:"buffer"`
	Runs   RunsConfig   `yaml:"runs"`
	Server ServerConfig `yaml:"server"`
	Influx InfluxConfig `yaml:"influx"`
}

type SerialConfig struct {
	Port         string   `yaml:"port"`          // device path, or "auto" for by-id discovery
	Baud         int      `yaml:"baud"`          //
	PortPatterns []string `yaml:"port_patterns"` // discovery globs; empty means the built-in list
}

type BufferConfig struct {
	Keys        []string `yaml:"keys"`          // tracked series; empty means the default schema
	WindowS     float64  `yaml:"window_s"`      // history retention horizon
	MaxPoints   int      `yaml:"max_points"`    // hard sample cap
	RateWindowS float64  `yaml:"rate_window_s"` // trailing window for the Hz estimate
}

type RunsConfig struct {
	BaseDir string `yaml:"base_dir"` // runs/<id>/ lives under here
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// InfluxConfig mirrors the dyno uplink: disabled unless a URL is set, and the
// token may come from the environment or a token file (systemd credential).
type InfluxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Org       string `yaml:"org"`
	Bucket    string `yaml:"bucket"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	System    string `yaml:"system"` // tag: which rig this is (car, dyno)
	Node      string `yaml:"node"`   // tag: which board fed the stream
}

// DefaultConfig returns a config with sensible defaults for the Pi rig.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "auto",
			Baud: 115200,
		},
		Buffer: BufferConfig{
			WindowS:     30,
			MaxPoints:   5000,
			RateWindowS: 5,
		},
		Runs: RunsConfig{
			BaseDir: "data",
		},
		Server: ServerConfig{
			ListenAddr: ":8000",
		},
		Influx: InfluxConfig{
			Enabled: false,
			Org:     "yorkracing",
			Bucket:  "telemetry",
			System:  "car",
			Node:    "rp2040",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is not found.
func Load(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env from the config's directory, then the CWD.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence over the file.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: TELEM_PORT, TELEM_BAUD, TELEM_KEYS, TELEM_WINDOW_S,
// TELEM_MAX_POINTS, TELEM_RATE_WINDOW_S, PITLINK_BASE_DIR, LISTEN_ADDR,
// INFLUX_ENABLED, INFLUX_URL, INFLUX_ORG, INFLUX_BUCKET, INFLUX_TOKEN,
// INFLUX_TOKEN_FILE.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TELEM_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("TELEM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
	if v := os.Getenv("TELEM_KEYS"); v != "" {
		c.Buffer.Keys = splitKeys(v)
	}
	if v := os.Getenv("TELEM_WINDOW_S"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Buffer.WindowS = n
		}
	}
	if v := os.Getenv("TELEM_MAX_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Buffer.MaxPoints = n
		}
	}
	if v := os.Getenv("TELEM_RATE_WINDOW_S"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Buffer.RateWindowS = n
		}
	}
	if v := os.Getenv("PITLINK_BASE_DIR"); v != "" {
		c.Runs.BaseDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("INFLUX_ENABLED"); v != "" {
		c.Influx.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("INFLUX_URL"); v != "" {
		c.Influx.URL = v
		c.Influx.Enabled = true
	}
	if v := os.Getenv("INFLUX_ORG"); v != "" {
		c.Influx.Org = v
	}
	if v := os.Getenv("INFLUX_BUCKET"); v != "" {
		c.Influx.Bucket = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		c.Influx.Token = v
	}
	if v := os.Getenv("INFLUX_TOKEN_FILE"); v != "" {
		c.Influx.TokenFile = v
	}
}

// splitKeys parses a comma-separated key list, dropping empty entries.
func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Window returns the history retention horizon as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Buffer.WindowS * float64(time.Second))
}

// RateWindow returns the rate-estimate window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Buffer.RateWindowS * float64(time.Second))
}

// RunsDir returns the directory run logs are written under.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Runs.BaseDir, "runs")
}

// InfluxToken resolves the write token: inline value first, then token file.
// Returns an error when Influx is enabled but no token can be found — better
// to fail at startup than to silently drop every point.
func (c *Config) InfluxToken() (string, error) {
	if !c.Influx.Enabled {
		return "", nil
	}
	if c.Influx.Token != "" {
		return c.Influx.Token, nil
	}
	if c.Influx.TokenFile != "" {
		data, err := os.ReadFile(c.Influx.TokenFile)
		if err != nil {
			return "", fmt.Errorf("influx token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("influx token file %s is empty", c.Influx.TokenFile)
		}
		return token, nil
	}
	return "", fmt.Errorf("influx enabled but INFLUX_TOKEN / INFLUX_TOKEN_FILE not set")
}

// Validate checks for configurations that cannot work.
func (c *Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Influx.Enabled {
		if c.Influx.URL == "" {
			return fmt.Errorf("influx enabled but no url configured")
		}
		if _, err := c.InfluxToken(); err != nil {
			return err
		}
	}
	return nil
}
