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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 🧪 TestParserRegistration tests the parser registration system
func TestParserRegistration(t *testing.T) {
	// Save original parsers
	originalParsers := parsers
	defer func() {
		parsers = originalParsers
	}()

	// Reset parsers
	parsers = nil

	p := &YAMLParser{}
	Register(p)
	assert.Len(t, parsers, 1, "should have 1 parser registered")
	assert.Same(t, p, parsers[0], "registered parser should match")
	assert.Nil(t, GetParser("config.hcl"), "unregistered formats have no parser")
}

// 🧪 TestParserSelection tests parser selection by file extension
func TestParserSelection(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     Parser
	}{
		{name: "yaml_file", filename: "migrc.yaml", want: &YAMLParser{}},
		{name: "yml_file", filename: "migrc.yml", want: &YAMLParser{}},
		{name: "upper_case", filename: "MIGRC.YAML", want: &YAMLParser{}},
		{name: "hcl_file", filename: "migrc.hcl", want: &HCLParser{}},
		{name: "json_file", filename: "migrc.json", want: &JSONParser{}},
		{name: "unknown_file", filename: "migrc.ini", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetParser(tt.filename)
			if tt.want == nil {
				assert.Nil(t, got, "parser should be nil")
				return
			}
			assert.IsType(t, tt.want, got, "parser type should match")
		})
	}
}

func TestHCLParser(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		wantErr     bool
		errContains string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "full_config",
			config: `
project = "legacy-webapp"

paths {
  backup_dir = "${project_dir}/.backups"
  required   = ["pom.xml"]
}

patterns {
  exclude = ["**/target/**"]
}

kind "template" {
  include = ["web/**/*.jsp"]
}

migration {
  batch_size       = 5
  parallel_threads = 2
  interactive      = true
  lock_timeout     = "2s"
}

logging {
  level = "debug"
}

rule "doctype" {
  type  = "xml"
  op    = "set-doctype"
  value = "struts PUBLIC \"-//Apache Software Foundation//DTD Struts Configuration 2.5//EN\""
}

rule "action" {
  type    = "literal"
  kinds   = ["source"]
  find    = "org.apache.struts.action.Action"
  replace = "com.opensymphony.xwork2.Action"
}

rule_files = ["rules.yaml"]
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "legacy-webapp", cfg.Project)
				assert.Equal(t, "/work/app/.backups", cfg.Paths.BackupDir, "project_dir should be interpolated")
				assert.Equal(t, []string{"pom.xml"}, cfg.Paths.Required)
				assert.Equal(t, []string{"**/target/**"}, cfg.Patterns.Exclude)
				require.Len(t, cfg.Kinds, 1)
				assert.Equal(t, KindConfig{Kind: "template", Include: []string{"web/**/*.jsp"}}, cfg.Kinds[0])
				assert.Equal(t, 5, cfg.Migration.BatchSize)
				assert.Equal(t, 2, cfg.Migration.ParallelThreads)
				assert.True(t, cfg.Migration.Interactive)
				assert.True(t, cfg.Migration.BackupEnabled, "unset fields keep defaults")
				assert.Equal(t, 2, cfg.Migration.LockRetries, "unset fields keep defaults")
				assert.Equal(t, "2s", cfg.Migration.LockTimeout)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "console", cfg.Logging.Format, "unset fields keep defaults")
				require.Len(t, cfg.Rules, 2)
				assert.Equal(t, "doctype", cfg.Rules[0].ID)
				assert.Equal(t, "set-doctype", cfg.Rules[0].Op)
				assert.Equal(t, "action", cfg.Rules[1].ID)
				assert.Equal(t, []string{"source"}, cfg.Rules[1].Kinds)
				assert.Equal(t, []string{"rules.yaml"}, cfg.RuleFiles)
			},
		},
		{
			name:        "syntax_error",
			config:      `project = `,
			wantErr:     true,
			errContains: "parsing HCL",
		},
		{
			name:        "unknown_attribute",
			config:      `destination = "/tmp"`,
			wantErr:     true,
			errContains: "decoding HCL",
		},
		{
			name:        "rule_without_type",
			config:      "rule \"x\" {\n  find = \"a\"\n}\n",
			wantErr:     true,
			errContains: "decoding HCL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := (&HCLParser{}).Parse(context.Background(), []byte(tt.config), "/work/app")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tt.check(t, cfg)
		})
	}
}

func TestJSONParser(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		wantErr     bool
		errContains string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid_config",
			config: `{
	"project": "legacy-webapp",
	"migration": {"batch_size": 7, "max_failures": 1},
	"rules": [
		{"id": "props", "type": "regex", "kinds": ["properties"], "pattern": "struts\\.(\\w+)", "replace": "struts2.$1"}
	]
}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "legacy-webapp", cfg.Project)
				assert.Equal(t, 7, cfg.Migration.BatchSize)
				assert.Equal(t, 1, cfg.Migration.MaxFailures)
				assert.True(t, cfg.Migration.RollbackEnabled, "unset fields keep defaults")
				require.Len(t, cfg.Rules, 1)
				assert.Equal(t, `struts\.(\w+)`, cfg.Rules[0].Pattern)
			},
		},
		{
			name:        "unknown_field",
			config:      `{"provider": {}}`,
			wantErr:     true,
			errContains: "unknown field",
		},
		{
			name:        "invalid_json",
			config:      `{"project": `,
			wantErr:     true,
			errContains: "parsing JSON",
		},
		{
			name:        "trailing_object",
			config:      `{"project": "a"} {"project": "b"}`,
			wantErr:     true,
			errContains: "unexpected data after config object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := (&JSONParser{}).Parse(context.Background(), []byte(tt.config), "")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tt.check(t, cfg)
		})
	}
}

func TestYAMLParserEmptyFile(t *testing.T) {
	cfg, err := (&YAMLParser{}).Parse(context.Background(), nil, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Migration, cfg.Migration)
}
