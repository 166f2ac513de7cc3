// Package config loads the transformation settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/ifcgraph/pkg/fn"
	"github.com/WessleyAI/ifcgraph/pkg/resilience"
)

var validate = validator.New()

// Config is the full set of run settings.
type Config struct {
	Neo4j      Neo4j      `yaml:"neo4j"`
	Input      Input      `yaml:"input"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Retry      Retry      `yaml:"retry"`
	Breaker    Breaker    `yaml:"breaker"`
	Report     Report     `yaml:"report"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Metrics    Metrics    `yaml:"metrics"`
	NATS       NATS       `yaml:"nats"`
	LogLevel   string     `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type Neo4j struct {
	URL      string `yaml:"url" validate:"required,url"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Input names the parser and analyzer outputs.
type Input struct {
	Model           string `yaml:"model" validate:"required"`
	TopologyEnabled bool   `yaml:"topology_enabled"`
	Topology        string `yaml:"topology" validate:"required_if=TopologyEnabled true"`
}

type Pipeline struct {
	BatchSize        int           `yaml:"batch_size" validate:"min=1,max=100000"`
	Workers          int           `yaml:"workers" validate:"min=1,max=64"`
	Strict           bool          `yaml:"strict"`
	Clear            bool          `yaml:"clear"`
	ClearChunk       int           `yaml:"clear_chunk" validate:"min=1"`
	ResetSchema      bool          `yaml:"reset_schema"`
	CommitsPerSecond float64       `yaml:"commits_per_second" validate:"min=0"`
	CacheSize        int           `yaml:"cache_size" validate:"min=1"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=20"`
	InitialWait time.Duration `yaml:"initial_wait" validate:"min=0"`
	MaxWait     time.Duration `yaml:"max_wait" validate:"gtefield=InitialWait"`
	Jitter      bool          `yaml:"jitter"`
}

// Opts converts r to the retry policy used for commits.
func (r Retry) Opts() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: r.MaxAttempts,
		InitialWait: r.InitialWait,
		MaxWait:     r.MaxWait,
		Jitter:      r.Jitter,
	}
}

type Breaker struct {
	FailThreshold int           `yaml:"fail_threshold" validate:"min=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"min=0"`
}

// Opts converts b to breaker options. Callbacks are left to the caller.
func (b Breaker) Opts() resilience.BreakerOpts {
	return resilience.BreakerOpts{
		FailThreshold: b.FailThreshold,
		Timeout:       b.Timeout,
		HalfOpenMax:   resilience.DefaultBreakerOpts.HalfOpenMax,
	}
}

// Report says where the run report and the anomaly log go.
type Report struct {
	// Dest is a file path or an s3://bucket/key URL. Empty disables it.
	Dest       string `yaml:"dest"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle  bool   `yaml:"path_style"`
	AnomalyLog string `yaml:"anomaly_log"`
}

type Checkpoint struct {
	// Path of the SQLite ledger. Empty disables checkpoints.
	Path   string `yaml:"path"`
	Resume bool   `yaml:"resume"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9102".
	Addr string `yaml:"addr"`
}

type NATS struct {
	// URL enables the run-completed event when set.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
}

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	return Config{
		Neo4j: Neo4j{URL: "neo4j://localhost:7687", User: "neo4j"},
		Pipeline: Pipeline{
			BatchSize:      500,
			Workers:        4,
			ClearChunk:     10000,
			CacheSize:      10000,
			SampleInterval: 250 * time.Millisecond,
		},
		Retry: Retry{
			MaxAttempts: fn.DefaultRetry.MaxAttempts,
			InitialWait: fn.DefaultRetry.InitialWait,
			MaxWait:     fn.DefaultRetry.MaxWait,
			Jitter:      fn.DefaultRetry.Jitter,
		},
		Breaker: Breaker{
			FailThreshold: resilience.DefaultBreakerOpts.FailThreshold,
			Timeout:       resilience.DefaultBreakerOpts.Timeout,
		},
		Report:   Report{Region: "us-east-1"},
		NATS:     NATS{Subject: "ifcgraph.run.completed"},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read decodes path over the defaults without validating. An empty path
// returns the defaults.
func Read(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	c.Neo4j.URL = envOr("NEO4J_URL", c.Neo4j.URL)
	c.Neo4j.User = envOr("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Password = envOr("NEO4J_PASS", c.Neo4j.Password)
	c.Neo4j.Database = envOr("NEO4J_DATABASE", c.Neo4j.Database)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.Input.Model = envOr("IFCGRAPH_MODEL", c.Input.Model)
	if v := getenv("IFCGRAPH_TOPOLOGY"); v != "" {
		c.Input.Topology = v
		c.Input.TopologyEnabled = true
	}
	c.Report.Dest = envOr("IFCGRAPH_REPORT", c.Report.Dest)
	c.Report.AnomalyLog = envOr("IFCGRAPH_ANOMALY_LOG", c.Report.AnomalyLog)
	c.Checkpoint.Path = envOr("IFCGRAPH_CHECKPOINT", c.Checkpoint.Path)
	c.Metrics.Addr = envOr("IFCGRAPH_METRICS_ADDR", c.Metrics.Addr)
	c.LogLevel = envOr("IFCGRAPH_LOG_LEVEL", c.LogLevel)

	var errs []error
	intEnv := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	intEnv("IFCGRAPH_WORKERS", &c.Pipeline.Workers)
	intEnv("IFCGRAPH_BATCH_SIZE", &c.Pipeline.BatchSize)
	return errors.Join(errs...)
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Pipeline.Clear && c.Checkpoint.Resume {
		return errors.New("config: Checkpoint.Resume cannot be combined with Pipeline.Clear")
	}
	return nil
}

// formatValidationError reports every failed constraint, one per line.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]error, 0, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required", "required_if", "required_with":
			msgs = append(msgs, fmt.Errorf("config: %s is required", field))
		case "min":
			msgs = append(msgs, fmt.Errorf("config: %s must be at least %s", field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Errorf("config: %s must not exceed %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Errorf("config: %s must be one of [%s]", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Errorf("config: %s failed %s", field, e.Tag()))
		}
	}
	return errors.Join(msgs...)
}
