package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/blockseq/internal/corpus"
	"github.com/ChuLiYu/blockseq/internal/storage/sink"
	"github.com/ChuLiYu/blockseq/internal/upgrader"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Worker struct {
		WorkerCount      int           `yaml:"worker_count"`
		JobTimeout       time.Duration `yaml:"job_timeout"`
		BufferSize       int           `yaml:"buffer_size"`
		ProgressInterval time.Duration `yaml:"progress_interval"`
	} `yaml:"worker"`

	Upgrader struct {
		ProjectURL        string        `yaml:"project_url"`
		ProjectDir        string        `yaml:"project_dir"`
		ConvertCommand    []string      `yaml:"convert_command"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		HTTPTimeout       time.Duration `yaml:"http_timeout"`
	} `yaml:"upgrader"`

	Corpus struct {
		Path   string `yaml:"path"`
		Header string `yaml:"header"`
	} `yaml:"corpus"`

	Output struct {
		Dir          string `yaml:"dir"`
		Sequences    string `yaml:"sequences"`
		Identifiers  string `yaml:"identifiers"`
		Errors       string `yaml:"errors"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"output"`

	Supervisor struct {
		BatchSize    int           `yaml:"batch_size"`
		BatchTimeout time.Duration `yaml:"batch_timeout"`
		KillGrace    time.Duration `yaml:"kill_grace"`
		AuditLog     string        `yaml:"audit_log"`
		Resume       bool          `yaml:"resume"`
	} `yaml:"supervisor"`

	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Port     int    `yaml:"port"`
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Worker.WorkerCount = 4
	cfg.Worker.JobTimeout = 60 * time.Second
	cfg.Worker.BufferSize = 64
	cfg.Worker.ProgressInterval = 10 * time.Second

	cfg.Upgrader.ProjectURL = upgrader.DefaultProjectURL
	cfg.Upgrader.RequestsPerSecond = 5
	cfg.Upgrader.Burst = 5
	cfg.Upgrader.HTTPTimeout = 30 * time.Second

	cfg.Corpus.Path = "projects.csv"
	cfg.Corpus.Header = corpus.DefaultHeader

	cfg.Output.Dir = "out"
	cfg.Output.Sequences = "sequences.txt"
	cfg.Output.Identifiers = "ids.txt"
	cfg.Output.Errors = "errors.txt"

	cfg.Supervisor.BatchSize = 1000
	cfg.Supervisor.BatchTimeout = 2 * time.Hour
	cfg.Supervisor.KillGrace = 10 * time.Second
	cfg.Supervisor.AuditLog = "out/audit.log"
	cfg.Supervisor.Resume = true

	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	return cfg
}

// loadConfig reads path on top of the defaults. A missing file is an error
// only when the path was given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no run can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker.worker_count must be >= 1, got %d", c.Worker.WorkerCount))
	}
	if c.Worker.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker.job_timeout must not be negative"))
	}
	if c.Supervisor.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("supervisor.batch_size must be >= 1, got %d", c.Supervisor.BatchSize))
	}
	if c.Supervisor.BatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("supervisor.batch_timeout must not be negative"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	return errors.Join(errs...)
}

// UpgraderConfig maps the upgrader section.
func (c *Config) UpgraderConfig() upgrader.Config {
	return upgrader.Config{
		ProjectURL:        c.Upgrader.ProjectURL,
		ProjectDir:        c.Upgrader.ProjectDir,
		ConvertCommand:    c.Upgrader.ConvertCommand,
		RequestsPerSecond: c.Upgrader.RequestsPerSecond,
		Burst:             c.Upgrader.Burst,
		HTTPTimeout:       c.Upgrader.HTTPTimeout,
	}
}

// OutputPaths resolves the run-level output files. Relative names are
// placed inside output.dir.
func (c *Config) OutputPaths() sink.Paths {
	return sink.Paths{
		Sequences:   c.inOutputDir(c.Output.Sequences),
		Identifiers: c.inOutputDir(c.Output.Identifiers),
		Errors:      c.inOutputDir(c.Output.Errors),
	}
}

func (c *Config) inOutputDir(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Output.Dir, name)
}
