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
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/walteh/migrc/pkg/rule"
	"github.com/zclconf/go-cty/cty"
	"gitlab.com/tozd/go/errors"
)

func init() {
	Register(&HCLParser{})
}

// 🔧 HCLParser implements the Parser interface for HCL files. Expressions can use the
// project_dir variable.
type HCLParser struct{}

// 🔍 CanParse checks if this parser can handle the given file
func (p *HCLParser) CanParse(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".hcl")
}

type hclPaths struct {
	BackupDir *string  `hcl:"backup_dir,optional"`
	ReportDir *string  `hcl:"report_dir,optional"`
	Required  []string `hcl:"required,optional"`
}

type hclPatterns struct {
	Exclude []string `hcl:"exclude,optional"`
}

type hclKind struct {
	Kind    string   `hcl:"kind,label"`
	Include []string `hcl:"include,optional"`
	Exclude []string `hcl:"exclude,optional"`
}

type hclMigration struct {
	BatchSize       *int    `hcl:"batch_size,optional"`
	ParallelThreads *int    `hcl:"parallel_threads,optional"`
	BackupEnabled   *bool   `hcl:"backup_enabled,optional"`
	RollbackEnabled *bool   `hcl:"rollback_enabled,optional"`
	Interactive     *bool   `hcl:"interactive,optional"`
	MaxFailures     *int    `hcl:"max_failures,optional"`
	MaxBackupErrors *int    `hcl:"max_backup_errors,optional"`
	LockTimeout     *string `hcl:"lock_timeout,optional"`
	LockRetries     *int    `hcl:"lock_retries,optional"`
	KeepBackups     *bool   `hcl:"keep_backups,optional"`
}

type hclLogging struct {
	Level   *string `hcl:"level,optional"`
	File    *string `hcl:"file,optional"`
	Format  *string `hcl:"format,optional"`
	MaxSize *string `hcl:"max_size,optional"`
}

type hclConfig struct {
	Project   string        `hcl:"project,optional"`
	Paths     *hclPaths     `hcl:"paths,block"`
	Patterns  *hclPatterns  `hcl:"patterns,block"`
	Kinds     []hclKind     `hcl:"kind,block"`
	Migration *hclMigration `hcl:"migration,block"`
	Logging   *hclLogging   `hcl:"logging,block"`
	Rules     []rule.Spec   `hcl:"rule,block"`
	RuleFiles []string      `hcl:"rule_files,optional"`
}

// 📝 Parse parses the config from HCL
func (p *HCLParser) Parse(ctx context.Context, data []byte, projectDir string) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(data, "config.hcl")
	if diags.HasErrors() {
		return nil, errors.Errorf("parsing HCL: %s", diags.Error())
	}

	// Create evaluation context
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"project_dir": cty.StringVal(projectDir),
		},
	}

	// Decode HCL
	var hc hclConfig
	diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &hc)
	if diags.HasErrors() {
		return nil, errors.Errorf("decoding HCL: %s", diags.Error())
	}

	// Convert to model
	cfg := Default()
	cfg.Project = hc.Project
	cfg.Rules = hc.Rules
	cfg.RuleFiles = hc.RuleFiles

	if hc.Paths != nil {
		set(&cfg.Paths.BackupDir, hc.Paths.BackupDir)
		set(&cfg.Paths.ReportDir, hc.Paths.ReportDir)
		cfg.Paths.Required = hc.Paths.Required
	}
	if hc.Patterns != nil {
		cfg.Patterns.Exclude = hc.Patterns.Exclude
	}
	for _, k := range hc.Kinds {
		cfg.Kinds = append(cfg.Kinds, KindConfig{Kind: k.Kind, Include: k.Include, Exclude: k.Exclude})
	}
	if m := hc.Migration; m != nil {
		set(&cfg.Migration.BatchSize, m.BatchSize)
		set(&cfg.Migration.ParallelThreads, m.ParallelThreads)
		set(&cfg.Migration.BackupEnabled, m.BackupEnabled)
		set(&cfg.Migration.RollbackEnabled, m.RollbackEnabled)
		set(&cfg.Migration.Interactive, m.Interactive)
		set(&cfg.Migration.MaxFailures, m.MaxFailures)
		set(&cfg.Migration.MaxBackupErrors, m.MaxBackupErrors)
		set(&cfg.Migration.LockTimeout, m.LockTimeout)
		set(&cfg.Migration.LockRetries, m.LockRetries)
		set(&cfg.Migration.KeepBackups, m.KeepBackups)
	}
	if l := hc.Logging; l != nil {
		set(&cfg.Logging.Level, l.Level)
		set(&cfg.Logging.File, l.File)
		set(&cfg.Logging.Format, l.Format)
		set(&cfg.Logging.MaxSize, l.MaxSize)
	}

	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
