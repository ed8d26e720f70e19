package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" or "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider holds the connection settings for the storage provider API.
type Provider struct {
	Scheme       string   `yaml:"scheme"` // "http" or "https"
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Token        string   `yaml:"token"`         // service-account bearer token
	EnterpriseID string   `yaml:"enterprise_id"` // owning enterprise, for conversion calls
	Insecure     bool     `yaml:"insecure"`      // skip TLS verification
	BulkTimeout  Duration `yaml:"bulk_timeout"`  // per-call timeout for listings
	ItemTimeout  Duration `yaml:"item_timeout"`  // per-call timeout for single-item calls
}

// BaseURL returns the full base URL for the provider API.
func (p *Provider) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", p.Scheme, p.Host, p.Port)
}

// Database holds the connection strings for the two backing stores.
type Database struct {
	TrackerDSN string `yaml:"tracker_dsn"` // job tracker (source of truth)
	LedgerDSN  string `yaml:"ledger_dsn"`  // workflow state / audit reporting
}

// Scheduler holds the tick intervals for the internal drivers.
type Scheduler struct {
	SeedInterval        Duration `yaml:"seed_interval"`
	RunInterval         Duration `yaml:"run_interval"`
	DeprovisionInterval Duration `yaml:"deprovision_interval"`
}

// SMTP holds the notification delivery settings.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Operator string `yaml:"operator"` // digest recipient
}

// Workflow holds the tunables of the migration and deprovision workflows.
type Workflow struct {
	BootstrapAttempts  int      `yaml:"bootstrap_attempts"`
	ItemAttempts       int      `yaml:"item_attempts"`
	RetryDelay         Duration `yaml:"retry_delay"` // fixed delay for the transient tier
	MaxDrainRounds     int      `yaml:"max_drain_rounds"`
	PersonalQuotaBytes int64    `yaml:"personal_quota_bytes"`
}

// Config holds all configuration (CLI flags + config file).
type Config struct {
	Listen    string    `yaml:"listen"`
	Dev       bool      `yaml:"-"`
	LogFormat string    `yaml:"log_format"` // "text" or "json"
	Provider  Provider  `yaml:"provider"`
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	SMTP      SMTP      `yaml:"smtp"`
	Workflow  Workflow  `yaml:"workflow"`

	// internal: path to config file (from CLI flag)
	configFile string
}

// Parse reads CLI flags, then overlays config file values.
// CLI flags take precedence over config file values.
func Parse() *Config {
	c := &Config{}
	flag.StringVar(&c.configFile, "config", "", "Path to config file (YAML)")
	flag.StringVar(&c.Listen, "listen", "", "HTTP listen address")
	flag.BoolVar(&c.Dev, "dev", false, "Dev mode (in-memory stores, no databases)")
	flag.Parse()

	if c.configFile != "" {
		if err := c.loadFile(c.configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
	}

	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in anything still unset.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Provider.Scheme == "" {
		c.Provider.Scheme = "https"
	}
	if c.Provider.Port == 0 {
		if c.Provider.Scheme == "https" {
			c.Provider.Port = 443
		} else {
			c.Provider.Port = 80
		}
	}
	if c.Provider.BulkTimeout == 0 {
		c.Provider.BulkTimeout = Duration(5 * time.Minute)
	}
	if c.Provider.ItemTimeout == 0 {
		c.Provider.ItemTimeout = Duration(90 * time.Second)
	}
	if c.Scheduler.SeedInterval == 0 {
		c.Scheduler.SeedInterval = Duration(15 * time.Minute)
	}
	if c.Scheduler.RunInterval == 0 {
		c.Scheduler.RunInterval = Duration(time.Minute)
	}
	if c.Scheduler.DeprovisionInterval == 0 {
		c.Scheduler.DeprovisionInterval = Duration(5 * time.Minute)
	}
	if c.Workflow.BootstrapAttempts == 0 {
		c.Workflow.BootstrapAttempts = 8
	}
	if c.Workflow.ItemAttempts == 0 {
		c.Workflow.ItemAttempts = 3
	}
	if c.Workflow.RetryDelay == 0 {
		c.Workflow.RetryDelay = Duration(2 * time.Second)
	}
	if c.Workflow.MaxDrainRounds == 0 {
		c.Workflow.MaxDrainRounds = 100
	}
	if c.Workflow.PersonalQuotaBytes == 0 {
		c.Workflow.PersonalQuotaBytes = 10 << 30 // 10 GiB
	}
}

// loadFile reads a YAML config file. Values from the file are only applied
// if the corresponding CLI flag was not explicitly set.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if c.Listen == "" && file.Listen != "" {
		c.Listen = file.Listen
	}
	c.LogFormat = file.LogFormat
	c.Provider = file.Provider
	c.Database = file.Database
	c.Scheduler = file.Scheduler
	c.SMTP = file.SMTP
	c.Workflow = file.Workflow

	return nil
}
