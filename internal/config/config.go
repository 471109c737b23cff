package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/update"
	"github.com/spf13/viper"
)

// Defaults for the control API listener.
const (
	DefaultListen   = "127.0.0.1:8245"
	DefaultBasePath = "/api"
	DefaultWSPath   = "/events"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      *LogConfig    `toml:"log" mapstructure:"log"`
	Backend  BackendConfig `toml:"backend" mapstructure:"backend"`
	Health   health.Config `toml:"health" mapstructure:"health"`
	Update   *UpdateConfig `toml:"update" mapstructure:"update"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Journal  JournalConfig `toml:"journal" mapstructure:"journal"`
}

// LogConfig configures the supervisor's own structured logging.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
}

// BackendConfig describes the managed backend process.
type BackendConfig struct {
	Name        string            `toml:"name" mapstructure:"name"`
	Command     string            `toml:"command" mapstructure:"command"`
	WorkDir     string            `toml:"work_dir" mapstructure:"work_dir"`
	Env         []string          `toml:"env" mapstructure:"env"`
	PIDFile     string            `toml:"pid_file" mapstructure:"pid_file"`
	ReadyHint   string            `toml:"ready_hint" mapstructure:"ready_hint"`
	GracePeriod time.Duration     `toml:"grace_period" mapstructure:"grace_period"`
	Log         *BackendLogConfig `toml:"log" mapstructure:"log"`
}

// BackendLogConfig holds rotation settings for captured backend output.
type BackendLogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// UpdateConfig configures release feed polling and download staging.
type UpdateConfig struct {
	FeedURL        string        `toml:"feed_url" mapstructure:"feed_url"`
	CurrentVersion string        `toml:"current_version" mapstructure:"current_version"`
	DownloadDir    string        `toml:"download_dir" mapstructure:"download_dir"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
	CheckInterval  time.Duration `toml:"check_interval" mapstructure:"check_interval"`
}

// ServerConfig configures the loopback control API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	WSPath   string `toml:"ws_path" mapstructure:"ws_path"`
}

// MetricsConfig configures the Prometheus endpoint and resource sampling.
type MetricsConfig struct {
	Enabled   bool                   `toml:"enabled" mapstructure:"enabled"`
	Listen    string                 `toml:"listen" mapstructure:"listen"`
	Resources metrics.ResourceConfig `toml:"resources" mapstructure:"resources"`
}

// JournalConfig selects the event journal sink by DSN.
type JournalConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load reads the TOML file at path, applies defaults and validates the result.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.applyDefaults()
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Server.Listen == "" {
		fc.Server.Listen = DefaultListen
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = DefaultBasePath
	}
	if fc.Server.WSPath == "" {
		fc.Server.WSPath = DefaultWSPath
	}
	if !strings.HasPrefix(fc.Server.BasePath, "/") {
		fc.Server.BasePath = "/" + fc.Server.BasePath
	}
	if !strings.HasPrefix(fc.Server.WSPath, "/") {
		fc.Server.WSPath = "/" + fc.Server.WSPath
	}
}

// Validate checks section contents and names the offending key on failure.
func (fc *FileConfig) Validate() error {
	spec := fc.BackendSpec()
	if err := spec.Validate(); err != nil {
		return err
	}
	if u := strings.TrimSpace(fc.Health.URL); u != "" {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("health.url must be an http(s) URL, got %q", fc.Health.URL)
		}
	}
	if fc.Health.MaxAttempts < 0 {
		return fmt.Errorf("health.max_attempts must not be negative, got %d", fc.Health.MaxAttempts)
	}
	if fc.Update != nil {
		if strings.TrimSpace(fc.Update.FeedURL) == "" {
			return fmt.Errorf("update.feed_url is required when [update] is present")
		}
		if strings.TrimSpace(fc.Update.CurrentVersion) == "" {
			return fmt.Errorf("update.current_version is required when [update] is present")
		}
	}
	if fc.Metrics.Enabled && fc.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled is true")
	}
	return nil
}

// BackendSpec converts the [backend] section into a process spec.
func (fc *FileConfig) BackendSpec() process.Spec {
	bc := fc.Backend
	var lc logger.Config
	if bc.Log != nil {
		lc.File = logger.FileConfig{
			Dir:        bc.Log.Dir,
			StdoutPath: bc.Log.Stdout,
			StderrPath: bc.Log.Stderr,
			MaxSizeMB:  bc.Log.MaxSizeMB,
			MaxBackups: bc.Log.MaxBackups,
			MaxAgeDays: bc.Log.MaxAgeDays,
			Compress:   bc.Log.Compress,
		}
	}
	return process.Spec{
		Name:      bc.Name,
		Command:   bc.Command,
		WorkDir:   bc.WorkDir,
		Env:       bc.Env,
		PIDFile:   bc.PIDFile,
		ReadyHint: bc.ReadyHint,
		Grace:     bc.GracePeriod,
		Log:       lc,
	}
}

// SlogConfig converts the [log] section into logger settings for the
// supervisor itself. A missing section means library defaults.
func (fc *FileConfig) SlogConfig() logger.SlogConfig {
	if fc.Log == nil {
		return logger.SlogConfig{}
	}
	return logger.SlogConfig{
		Level:      logger.Level(fc.Log.Level),
		Format:     logger.Format(fc.Log.Format),
		Color:      fc.Log.Color,
		TimeStamps: fc.Log.Timestamps,
		Source:     fc.Log.Source,
	}
}

// ManagerConfig converts the section into update manager settings.
func (uc *UpdateConfig) ManagerConfig() update.Config {
	return update.Config{
		FeedURL:       uc.FeedURL,
		DownloadDir:   uc.DownloadDir,
		Timeout:       uc.Timeout,
		CheckInterval: uc.CheckInterval,
	}
}

// Environ builds the runner environment overlay. Precedence: OS env (when
// use_os_env is true) provides the base; then env_files contents; then the
// top-level env list overrides last.
func (fc *FileConfig) Environ() (*env.Env, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	} else {
		e.SetBase(env.Var{})
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
