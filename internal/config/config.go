// Package config builds the viper-based configuration (one viper instance
// per Loader): search order defaults < global < per-project < environment,
// typed through a Config struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ProviderConfig is one {provider, model, cli} slot.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	CLI      string `mapstructure:"cli"`
}

// AIConfig groups the three independently configured provider slots.
type AIConfig struct {
	Orchestrator ProviderConfig `mapstructure:"orchestrator"`
	Coder        ProviderConfig `mapstructure:"coder"`
	Reviewer     ProviderConfig `mapstructure:"reviewer"`
}

// RunnersConfig controls daemon/runner process behavior.
type RunnersConfig struct {
	HeartbeatInterval     Duration `mapstructure:"heartbeatInterval"`
	StaleTimeout          Duration `mapstructure:"staleTimeout"`
	SubprocessHangTimeout Duration `mapstructure:"subprocessHangTimeout"`
	MaxConcurrent         int      `mapstructure:"maxConcurrent"`
}

// HealthConfig controls the stuck-task detector and recovery engine.
type HealthConfig struct {
	OrphanedTaskTimeout        Duration `mapstructure:"orphanedTaskTimeout"`
	MaxCoderDuration           Duration `mapstructure:"maxCoderDuration"`
	MaxReviewerDuration        Duration `mapstructure:"maxReviewerDuration"`
	RunnerHeartbeatTimeout     Duration `mapstructure:"runnerHeartbeatTimeout"`
	InvocationStaleness        Duration `mapstructure:"invocationStaleness"`
	AutoRecover                bool     `mapstructure:"autoRecover"`
	MaxRecoveryAttempts        int      `mapstructure:"maxRecoveryAttempts"`
	MaxIncidentsPerHour        int      `mapstructure:"maxIncidentsPerHour"`
	SanitiseEnabled              bool   `mapstructure:"sanitiseEnabled"`
	SanitiseIntervalMinutes      int    `mapstructure:"sanitiseIntervalMinutes"`
	SanitiseInvocationTimeoutSec int    `mapstructure:"sanitiseInvocationTimeoutSec"`
	// DBInconsistencyRecentUpdateSec bounds how recently a task must have
	// been updated for a missing first invocation to count as transient.
	DBInconsistencyRecentUpdateSec int `mapstructure:"dbInconsistencyRecentUpdateSec"`
}

// LockingConfig controls lease durations and the selector's poll behavior.
type LockingConfig struct {
	TaskTimeout    Duration `mapstructure:"taskTimeout"`
	SectionTimeout Duration `mapstructure:"sectionTimeout"`
	WaitTimeout    Duration `mapstructure:"waitTimeout"`
	PollInterval   Duration `mapstructure:"pollInterval"`
}

// DatabaseConfig controls migration behavior.
type DatabaseConfig struct {
	AutoMigrate         bool `mapstructure:"autoMigrate"`
	BackupBeforeMigrate bool `mapstructure:"backupBeforeMigrate"`
}

// DisputesConfig controls the coder/reviewer dispute lifecycle.
type DisputesConfig struct {
	TimeoutDays               int  `mapstructure:"timeoutDays"`
	AutoCreateOnMaxRejections bool `mapstructure:"autoCreateOnMaxRejections"`
	MajorBlocksLoop           bool `mapstructure:"majorBlocksLoop"`
}

// SectionsConfig controls batch-mode task selection.
type SectionsConfig struct {
	BatchMode    bool `mapstructure:"batchMode"`
	MaxBatchSize int  `mapstructure:"maxBatchSize"`
}

// Config is the fully typed, merged configuration.
type Config struct {
	AI       AIConfig       `mapstructure:"ai"`
	Runners  RunnersConfig  `mapstructure:"runners"`
	Health   HealthConfig   `mapstructure:"health"`
	Locking  LockingConfig  `mapstructure:"locking"`
	Database DatabaseConfig `mapstructure:"database"`
	Disputes DisputesConfig `mapstructure:"disputes"`
	Sections SectionsConfig `mapstructure:"sections"`
}

// Loader owns the viper instance and the config merge order.
type Loader struct {
	v *viper.Viper
}

// NewLoader constructs a Loader seeded with defaults, searches for a
// global config under $STEROIDS_HOME/.steroids/config.yaml and a
// per-project config by walking up from cwd to find .steroids/config.yaml,
// then layers STEROIDS_* environment variables on top.
func NewLoader() (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if home, err := globalConfigHome(); err == nil {
		globalPath := filepath.Join(home, ".steroids", "config.yaml")
		if _, statErr := os.Stat(globalPath); statErr == nil {
			if err := mergeConfigFile(v, globalPath); err != nil {
				return nil, err
			}
		}
	}

	if projectPath, ok := findProjectConfig(); ok {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("STEROIDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func globalConfigHome() (string, error) {
	if h := os.Getenv("STEROIDS_HOME"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}

// findProjectConfig walks up from cwd looking for .steroids/config.yaml.
func findProjectConfig() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".steroids", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ai.orchestrator.provider", "claude")
	v.SetDefault("ai.coder.provider", "claude")
	v.SetDefault("ai.reviewer.provider", "claude")

	v.SetDefault("runners.heartbeatInterval", "30s")
	v.SetDefault("runners.staleTimeout", "5m")
	v.SetDefault("runners.subprocessHangTimeout", "10m")
	v.SetDefault("runners.maxConcurrent", 1)

	v.SetDefault("health.orphanedTaskTimeout", "10m")
	v.SetDefault("health.maxCoderDuration", "30m")
	v.SetDefault("health.maxReviewerDuration", "15m")
	v.SetDefault("health.runnerHeartbeatTimeout", "5m")
	v.SetDefault("health.invocationStaleness", "10m")
	v.SetDefault("health.autoRecover", true)
	v.SetDefault("health.maxRecoveryAttempts", 3)
	v.SetDefault("health.maxIncidentsPerHour", 10)
	v.SetDefault("health.sanitiseEnabled", true)
	v.SetDefault("health.sanitiseIntervalMinutes", 5)
	v.SetDefault("health.sanitiseInvocationTimeoutSec", 1800)
	v.SetDefault("health.dbInconsistencyRecentUpdateSec", 60)

	v.SetDefault("locking.taskTimeout", "60m")
	v.SetDefault("locking.sectionTimeout", "60m")
	v.SetDefault("locking.waitTimeout", "30m")
	v.SetDefault("locking.pollInterval", "5s")

	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("database.backupBeforeMigrate", true)

	v.SetDefault("disputes.timeoutDays", 3)
	v.SetDefault("disputes.autoCreateOnMaxRejections", true)
	v.SetDefault("disputes.majorBlocksLoop", true)

	v.SetDefault("sections.batchMode", false)
	v.SetDefault("sections.maxBatchSize", 5)
}

// Load unmarshals the merged settings into a typed Config, using
// mapstructure's TextUnmarshallerHookFunc so Duration fields decode
// through their UnmarshalText method.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc()))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Raw exposes the underlying viper instance for callers that need ad hoc
// key lookups.
func (l *Loader) Raw() *viper.Viper { return l.v }

// GetValue reads a single dotted-path key from the merged configuration
// (defaults < global < project < env) without unmarshalling the whole
// struct.
func (l *Loader) GetValue(path string) any {
	return l.v.Get(path)
}

// SetValue overrides a single dotted-path key in-process (highest
// precedence, above even environment variables) so that GetValue(path)
// returns v immediately, making the new value visible to the rest of the
// running process without a reload. The override is not written to any
// config file.
func (l *Loader) SetValue(path string, v any) {
	l.v.Set(path, v)
}
