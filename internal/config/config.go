// Package config loads the scheduler's runtime configuration: a YAML
// workflow/platform config file, with environment variables able to
// override individual settings for deployment-time tuning.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s
// internal/provisioner/config.LoadRegistryConfigFromEnv (defaults struct +
// one os.Getenv override per field, each validated before being applied),
// generalized to also load the bulk of the config from a YAML file via
// gopkg.in/yaml.v3 -- the corpus's config-file library, used the way
// ChuLiYu-raft-recovery's internal/cli loads its cluster config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform describes one named execution platform (spec.md §4.9/§4.12):
// its batch system, default hosts, and poll/retry tuning.
type Platform struct {
	Name                            string            `yaml:"name"`
	BatchSystem                     string            `yaml:"batch_system"`
	Hosts                           []string          `yaml:"hosts"`
	Owner                           string            `yaml:"owner"`
	SubmissionPollIntervals         []string          `yaml:"submission_poll_intervals"`
	ExecutionPollIntervals          []string          `yaml:"execution_poll_intervals"`
	ExecutionTimeLimitPollIntervals []string          `yaml:"execution_time_limit_poll_intervals"`
	RetrieveJobLogs                 bool              `yaml:"retrieve_job_logs"`
	Directives                      map[string]string `yaml:"directives"`
}

// Queue is one named task-release queue (spec.md §4.7).
type Queue struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

// Runahead configures the pool's runahead window (spec.md §4.7).
type Runahead struct {
	LimitCount    int    `yaml:"limit_count"`
	LimitDuration string `yaml:"limit_duration"`
}

// Config is the root configuration the scheduler loads at startup.
type Config struct {
	Workflow  string              `yaml:"workflow"`
	RunDir    string              `yaml:"run_dir"`
	DBPath    string              `yaml:"db_path"`
	LogLevel  string              `yaml:"log_level"`
	LogFormat string              `yaml:"log_format"`

	MainLoopIntervalMS int `yaml:"main_loop_interval_ms"`
	SubProcWorkers     int `yaml:"subproc_workers"`

	Runahead Runahead            `yaml:"runahead"`
	Queues   []Queue             `yaml:"queues"`
	Platforms map[string]Platform `yaml:"platforms"`

	MailCoalesceIntervalSeconds int    `yaml:"mail_coalesce_interval_seconds"`
	SuiteURL                    string `yaml:"suite_url"`

	SimulationMode    bool    `yaml:"simulation_mode"`
	SimFailProbability float64 `yaml:"sim_fail_probability"`
}

// Default returns the built-in defaults every field starts from.
func Default() Config {
	return Config{
		RunDir:              "$HOME/cylc-run",
		DBPath:              "private/db.sqlite",
		LogLevel:            "info",
		LogFormat:           "text",
		MainLoopIntervalMS:  1000,
		SubProcWorkers:      4,
		Queues:              []Queue{{Name: "default", Limit: 0}},
		Platforms:           map[string]Platform{},
		MailCoalesceIntervalSeconds: 300,
	}
}

// Load reads path as YAML over the defaults, then applies environment
// overrides via applyEnvOverrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments tune a handful of
// settings without editing the YAML file, the same per-field
// validate-then-apply pattern as the teacher's LoadRegistryConfigFromEnv.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CYLCD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CYLCD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CYLCD_RUN_DIR"); v != "" {
		cfg.RunDir = v
	}
	if v := os.Getenv("CYLCD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CYLCD_MAIN_LOOP_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CYLCD_MAIN_LOOP_INTERVAL_MS: %w", err)
		}
		if n < 10 {
			return fmt.Errorf("CYLCD_MAIN_LOOP_INTERVAL_MS must be at least 10")
		}
		cfg.MainLoopIntervalMS = n
	}
	if v := os.Getenv("CYLCD_SUBPROC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CYLCD_SUBPROC_WORKERS: %w", err)
		}
		if n < 1 || n > 256 {
			return fmt.Errorf("CYLCD_SUBPROC_WORKERS must be between 1 and 256")
		}
		cfg.SubProcWorkers = n
	}
	if v := os.Getenv("CYLCD_SIMULATION_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CYLCD_SIMULATION_MODE: %w", err)
		}
		cfg.SimulationMode = b
	}
	return nil
}

// ParseDurations parses a list of duration strings (e.g. from
// SubmissionPollIntervals), skipping empty entries.
func ParseDurations(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// MainLoopInterval returns the configured tick interval as a time.Duration.
func (c Config) MainLoopInterval() time.Duration {
	return time.Duration(c.MainLoopIntervalMS) * time.Millisecond
}
