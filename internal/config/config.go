package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the dbpulse agent.
type Config struct {
	Server struct {
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
		Socket string `yaml:"socket"`
		User   string `yaml:"user"`
		Pass   string `yaml:"pass"`
		// Kind selects the wire dialect: mysql, mariadb or proxysql.
		Kind string `yaml:"kind"`

		TLSEnabled bool   `yaml:"tls_enabled"`
		CAPath     string `yaml:"ca_path"`
	} `yaml:"server"`

	Sampling struct {
		RefreshIntervalSec int `yaml:"refresh_interval_sec"`

		// ProcesslistSource chooses where thread data comes from:
		// performance_schema or information_schema. Switching takes effect
		// on the next cycle.
		ProcesslistSource string `yaml:"processlist_source"`

		// HeartbeatTable, when set (schema.table), enables the
		// heartbeat-table lag probe which takes precedence over all other
		// lag sources.
		HeartbeatTable string `yaml:"heartbeat_table"`

		Probes struct {
			Processlist   bool `yaml:"processlist"`
			Replication   bool `yaml:"replication"`
			InnoDB        bool `yaml:"innodb"`
			MetadataLocks bool `yaml:"metadata_locks"`
		} `yaml:"probes"`
	} `yaml:"sampling"`

	Notify struct {
		// ExcludeVariables suppresses change events for the named global
		// variables. Fixed for the life of a session.
		ExcludeVariables []string `yaml:"exclude_variables"`
	} `yaml:"notify"`

	Replay struct {
		// Dir is where recording stores are created (one file per session).
		Dir string `yaml:"dir"`
		// File points at an existing store to replay instead of going live.
		File           string `yaml:"file"`
		RetentionHours int    `yaml:"retention_hours"`
	} `yaml:"replay"`

	Daemon bool `yaml:"daemon"`

	Logging struct {
		Level      string `yaml:"level"`
		UseFileLog bool   `yaml:"use_file_log"`
		FilePath   string `yaml:"file_path"`
	} `yaml:"logging"`

	Profiling struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"profiling"`
}

// LoadConfig loads the configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = findConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := generateDefaultConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to generate default config: %w", err)
		}
		fmt.Printf("Generated default configuration at: %s\n", configPath)
		fmt.Println("Please edit the configuration file and restart the agent.")
		os.Exit(0)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// findConfigPath tries to locate the dbpulse.yml configuration file.
func findConfigPath() string {
	paths := []string{
		"dbpulse.yml",
		"./dbpulse.yml",
		"/etc/dbpulse/dbpulse.yml",
		filepath.Join(os.Getenv("HOME"), ".dbpulse", "dbpulse.yml"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "dbpulse.yml"
}

// generateDefaultConfig creates a default configuration file.
func generateDefaultConfig(path string) error {
	defaultConfig := `# dbpulse agent configuration
server:
  host: "localhost"
  port: 3306
  socket: ""
  user: "dbpulse"
  pass: ""
  kind: "mysql"
  tls_enabled: false
  ca_path: ""

sampling:
  refresh_interval_sec: 1
  processlist_source: "performance_schema"
  heartbeat_table: ""
  probes:
    processlist: true
    replication: true
    innodb: true
    metadata_locks: false

notify:
  exclude_variables: []

replay:
  dir: ""
  file: ""
  retention_hours: 48

daemon: false

logging:
  level: "info"
  use_file_log: true
  file_path: ""

profiling:
  enabled: false
  port: 6060
`

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(defaultConfig), 0644)
}

// setDefaults sets default values for unspecified config options.
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3306
	}
	if cfg.Server.User == "" {
		cfg.Server.User = "dbpulse"
	}
	if cfg.Server.Kind == "" {
		cfg.Server.Kind = "mysql"
	}

	if cfg.Sampling.RefreshIntervalSec == 0 {
		cfg.Sampling.RefreshIntervalSec = 1
	}
	if cfg.Sampling.ProcesslistSource == "" {
		cfg.Sampling.ProcesslistSource = "performance_schema"
	}

	if cfg.Replay.RetentionHours == 0 {
		cfg.Replay.RetentionHours = 48
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Profiling.Port == 0 {
		cfg.Profiling.Port = 6060
	}
}

// Validate rejects configurations the engine cannot run with. Values that
// merely look unusual are left alone; values that would corrupt scheduling
// or retention are errors.
func Validate(cfg *Config) error {
	if cfg.Server.Host == "" && cfg.Server.Socket == "" {
		return fmt.Errorf("server host or socket is required")
	}

	if cfg.Sampling.RefreshIntervalSec <= 0 {
		return fmt.Errorf("sampling refresh_interval_sec must be positive, got %d",
			cfg.Sampling.RefreshIntervalSec)
	}

	if cfg.Replay.RetentionHours <= 0 {
		return fmt.Errorf("replay retention_hours must be positive, got %d",
			cfg.Replay.RetentionHours)
	}

	switch cfg.Server.Kind {
	case "mysql", "mariadb", "proxysql":
	default:
		return fmt.Errorf("unknown server kind %q", cfg.Server.Kind)
	}

	switch cfg.Sampling.ProcesslistSource {
	case "performance_schema", "information_schema":
	default:
		return fmt.Errorf("unknown processlist_source %q", cfg.Sampling.ProcesslistSource)
	}

	if cfg.Daemon && cfg.Replay.Dir == "" {
		return fmt.Errorf("daemon mode requires replay dir to record into")
	}

	return nil
}

// GetLogLevel returns the configured log level or from environment variable.
func (cfg *Config) GetLogLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return cfg.Logging.Level
}

// ExcludeSet returns the notification exclusion set as a lookup map.
func (cfg *Config) ExcludeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(cfg.Notify.ExcludeVariables))
	for _, name := range cfg.Notify.ExcludeVariables {
		set[name] = struct{}{}
	}
	return set
}
