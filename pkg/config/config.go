// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/walteh/migrc/pkg/catalog"
	"github.com/walteh/migrc/pkg/rule"
	"gitlab.com/tozd/go/errors"
)

// 🔌 Parser is the interface for config parsers
type Parser interface {
	// 📝 Parse parses the config from bytes. projectDir is exposed to formats that
	// support expressions.
	Parse(ctx context.Context, data []byte, projectDir string) (*Config, error)

	// 🔍 CanParse checks if this parser can handle the given file
	CanParse(filename string) bool
}

var (
	// 🗺️ parsers is a list of available parsers
	parsers []Parser
)

// 📝 Register registers a parser
func Register(p Parser) {
	parsers = append(parsers, p)
}

// 🎯 GetParser returns a parser that can handle the given file
func GetParser(filename string) Parser {
	for _, p := range parsers {
		if p.CanParse(filename) {
			return p
		}
	}
	return nil
}

// 📁 PathsConfig locates the directories a session writes to
type PathsConfig struct {
	BackupDir string   `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"` // Relative to the project dir unless absolute
	ReportDir string   `json:"report_dir,omitempty" yaml:"report_dir,omitempty"` // Where migration reports are written
	Required  []string `json:"required,omitempty" yaml:"required,omitempty"`     // Paths that must exist before a run
}

// 🚫 PatternsConfig holds globs applied to every kind
type PatternsConfig struct {
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// 🏷️ KindConfig overrides the include and exclude globs of one file kind
type KindConfig struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// ⚙️ MigrationConfig tunes how a session runs
type MigrationConfig struct {
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	ParallelThreads int    `json:"parallel_threads" yaml:"parallel_threads"`
	BackupEnabled   bool   `json:"backup_enabled" yaml:"backup_enabled"`
	RollbackEnabled bool   `json:"rollback_enabled" yaml:"rollback_enabled"`
	Interactive     bool   `json:"interactive" yaml:"interactive"`
	MaxFailures     int    `json:"max_failures" yaml:"max_failures"`           // 0 means unlimited
	MaxBackupErrors int    `json:"max_backup_errors" yaml:"max_backup_errors"` // abort once exceeded
	LockTimeout     string `json:"lock_timeout" yaml:"lock_timeout"`
	LockRetries     int    `json:"lock_retries" yaml:"lock_retries"`
	KeepBackups     bool   `json:"keep_backups" yaml:"keep_backups"`
}

// 📝 LoggingConfig controls the structured log output
type LoggingConfig struct {
	Level   string `json:"level,omitempty" yaml:"level,omitempty"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
	Format  string `json:"format,omitempty" yaml:"format,omitempty"` // console or json
	MaxSize string `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// 📚 Config represents the complete configuration
type Config struct {
	Project   string          `json:"project" yaml:"project"`
	Paths     PathsConfig     `json:"paths" yaml:"paths"`
	Patterns  PatternsConfig  `json:"patterns" yaml:"patterns"`
	Kinds     []KindConfig    `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Migration MigrationConfig `json:"migration" yaml:"migration"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Rules     []rule.Spec     `json:"rules,omitempty" yaml:"rules,omitempty"`
	RuleFiles []string        `json:"rule_files,omitempty" yaml:"rule_files,omitempty"`

	location string
}

// 🏭 Default returns a config with every default filled in. Parsers decode on top of it
// so fields absent from a file keep their default.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			BackupDir: filepath.Join(".migrc", "backups"),
			ReportDir: ".",
		},
		Migration: MigrationConfig{
			BatchSize:       50,
			ParallelThreads: runtime.NumCPU(),
			BackupEnabled:   true,
			RollbackEnabled: true,
			MaxBackupErrors: 2,
			LockTimeout:     "30s",
			LockRetries:     2,
			KeepBackups:     true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "console",
			MaxSize: "10MB",
		},
	}
}

// 🎯 Load loads the configuration from a file
func Load(ctx context.Context, path string, projectDir string) (*Config, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("loading configuration")

	// Read config file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	// Get parser
	p := GetParser(path)
	if p == nil {
		return nil, errors.Errorf("no parser found for file: %s", path)
	}

	// Parse config
	cfg, err := p.Parse(ctx, data, projectDir)
	if err != nil {
		return nil, errors.Errorf("parsing config: %w", err)
	}
	cfg.location = path

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	logger.Debug().
		Str("project", cfg.Project).
		Int("rules", len(cfg.Rules)).
		Int("rule_files", len(cfg.RuleFiles)).
		Msg("configuration loaded")

	return cfg, nil
}

// Location is the file the config was loaded from, empty for in-memory configs
func (cfg *Config) Location() string {
	return cfg.location
}

// 🔍 Validate checks if the configuration is valid
func (cfg *Config) Validate() error {
	m := cfg.Migration
	if m.BatchSize <= 0 {
		return errors.Errorf("migration.batch_size must be positive, got %d", m.BatchSize)
	}
	if m.ParallelThreads <= 0 {
		return errors.Errorf("migration.parallel_threads must be positive, got %d", m.ParallelThreads)
	}
	if m.MaxFailures < 0 {
		return errors.Errorf("migration.max_failures must not be negative")
	}
	if m.MaxBackupErrors < 0 {
		return errors.Errorf("migration.max_backup_errors must not be negative")
	}
	if m.LockRetries < 0 {
		return errors.Errorf("migration.lock_retries must not be negative")
	}
	if !m.BackupEnabled && m.RollbackEnabled {
		return errors.Errorf("migration.rollback_enabled requires migration.backup_enabled")
	}
	if _, err := cfg.LockTimeout(); err != nil {
		return err
	}

	if cfg.Paths.BackupDir == "" {
		return errors.Errorf("paths.backup_dir is required")
	}

	for _, k := range cfg.Kinds {
		if !catalog.Kind(k.Kind).Valid() {
			return errors.Errorf("unknown file kind %q", k.Kind)
		}
	}

	switch cfg.Logging.Format {
	case "", "console", "json":
	default:
		return errors.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
			return errors.Errorf("logging.level: %w", err)
		}
	}
	if cfg.Logging.MaxSize != "" {
		if _, err := ParseSize(cfg.Logging.MaxSize); err != nil {
			return errors.Errorf("logging.max_size: %w", err)
		}
	}

	for _, spec := range cfg.Rules {
		if _, err := rule.Compile(spec); err != nil {
			return errors.Errorf("rule %q: %w", spec.ID, err)
		}
	}

	return nil
}

// LockTimeout parses migration.lock_timeout
func (cfg *Config) LockTimeout() (time.Duration, error) {
	if cfg.Migration.LockTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Migration.LockTimeout)
	if err != nil {
		return 0, errors.Errorf("migration.lock_timeout: %w", err)
	}
	if d < 0 {
		return 0, errors.Errorf("migration.lock_timeout must not be negative")
	}
	return d, nil
}

// 🌳 Tree resolves the catalog tree rooted at projectDir. The backup directory is
// always skipped.
func (cfg *Config) Tree(projectDir string) (*catalog.Tree, error) {
	kinds := make([]catalog.KindPatterns, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds = append(kinds, catalog.KindPatterns{
			Kind:    catalog.Kind(k.Kind),
			Include: k.Include,
			Exclude: k.Exclude,
		})
	}

	tree, err := catalog.NewTree(projectDir, kinds, cfg.Patterns.Exclude)
	if err != nil {
		return nil, err
	}
	tree.Skip = append(tree.Skip, cfg.BackupDir(tree.Root))
	tree.Required = cfg.Paths.Required
	return tree, nil
}

// BackupDir resolves paths.backup_dir against root
func (cfg *Config) BackupDir(root string) string {
	return resolve(root, cfg.Paths.BackupDir)
}

// ReportDir resolves paths.report_dir against root
func (cfg *Config) ReportDir(root string) string {
	if cfg.Paths.ReportDir == "" {
		return root
	}
	return resolve(root, cfg.Paths.ReportDir)
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// 📖 Registry compiles the inline rules followed by every rule file, in order. Rule
// files are resolved against the config file's directory.
func (cfg *Config) Registry(ctx context.Context) (*rule.Registry, error) {
	specs := append([]rule.Spec(nil), cfg.Rules...)
	for _, f := range cfg.RuleFiles {
		if !filepath.IsAbs(f) && cfg.location != "" {
			f = filepath.Join(filepath.Dir(cfg.location), f)
		}
		loaded, err := rule.LoadCatalog(ctx, f)
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}
	return rule.FromSpecs(specs)
}

// 📝 String returns a string representation of the config
func (cfg *Config) String() string {
	project := cfg.Project
	if project == "" {
		project = "(unnamed)"
	}
	return fmt.Sprintf("%s: %d rule(s) + %d rule file(s), batch %d x %d workers",
		project, len(cfg.Rules), len(cfg.RuleFiles), cfg.Migration.BatchSize, cfg.Migration.ParallelThreads)
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// 📏 ParseSize parses sizes like "10MB", "512KB" or "1024"
func ParseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, errors.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
