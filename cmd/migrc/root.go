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
package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/walteh/migrc/pkg/config"
	"github.com/walteh/migrc/pkg/log"
	"gitlab.com/tozd/go/errors"
)

const defaultConfigFile = "migrc.yaml"

// 🧰 rootOpts holds the flags shared by every command
type rootOpts struct {
	projectDir string
	configFile string
	debug      bool

	in  io.Reader
	out io.Writer

	// viper layers MIGRC_* environment variables under the command flags
	viper *viper.Viper

	logFile *os.File
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MIGRC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	opts := &rootOpts{in: in, out: out, viper: v}

	rootCmd := &cobra.Command{
		Use:   "migrc",
		Short: "Rule-based project migration with backups and rollback",
		Long: `migrc migrates a project's build descriptors, XML configuration, templates,
sources and properties files by applying a catalog of deterministic rules.
Every change is backed up first and a session can be rolled back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if opts.debug {
				level = zerolog.DebugLevel
			}
			logger := zerolog.Ctx(cmd.Context()).Level(level)
			cmd.SetContext(logger.WithContext(cmd.Context()))
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logFile != nil {
				_ = opts.logFile.Close()
			}
		},
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)

	// Add shared flags
	addRootFlags(rootCmd, opts)

	// Add commands
	rootCmd.AddCommand(
		newRunCmd(opts),
		newRollbackCmd(opts),
		newSessionsCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// addRootFlags adds shared flags to the root command
func addRootFlags(cmd *cobra.Command, opts *rootOpts) {
	cmd.PersistentFlags().StringVarP(&opts.projectDir, "project-dir", "p", ".", "project root to migrate")
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (default <project-dir>/"+defaultConfigFile+")")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
}

// root returns the absolute project directory
func (o *rootOpts) root() (string, error) {
	abs, err := filepath.Abs(o.projectDir)
	if err != nil {
		return "", errors.Errorf("resolving project dir: %w", err)
	}
	return abs, nil
}

// 📖 loadConfig reads the config file. When required is false and no file was named,
// a missing default file yields the default config.
func (o *rootOpts) loadConfig(ctx context.Context, root string, required bool) (*config.Config, error) {
	path := o.configFile
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, defaultConfigFile)
	}

	if !explicit && !required {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			zerolog.Ctx(ctx).Debug().Str("path", path).Msg("no config file, using defaults")
			return config.Default(), nil
		}
	}

	return config.Load(ctx, path, root)
}

// 📝 setupLogging rebuilds the context logger from the config's logging section.
// --debug always wins over logging.level.
func (o *rootOpts) setupLogging(ctx context.Context, lc config.LoggingConfig) (context.Context, error) {
	level := zerolog.InfoLevel
	if lc.Level != "" {
		l, err := zerolog.ParseLevel(lc.Level)
		if err != nil {
			return ctx, errors.Errorf("parsing log level: %w", err)
		}
		level = l
	}
	if o.debug {
		level = zerolog.DebugLevel
	}

	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if lc.Format == "json" {
		console = os.Stderr
	}

	writers := []io.Writer{console}
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ctx, errors.Errorf("opening log file: %w", err)
		}
		o.logFile = f
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	ctx = logger.WithContext(ctx)
	return log.NewContext(ctx, log.New(o.out, logger)), nil
}

// console returns the display logger on ctx, creating one when absent
func (o *rootOpts) console(ctx context.Context) *log.Logger {
	if l := log.FromContext(ctx); l != nil {
		return l
	}
	return log.New(o.out, *zerolog.Ctx(ctx))
}
