// Package config loads the bundler configuration: built-in defaults, an
// optional HCL file and environment overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/docker/model-bundler/pkg/archive"
)

// DefaultGeneratorTimeout bounds a single code generator run.
const DefaultGeneratorTimeout = 5 * time.Minute

// EnvConfigFile names the configuration file when no path is given.
const EnvConfigFile = "MODEL_BUNDLER_CONFIG"

// Config is the resolved bundler configuration.
type Config struct {
	// WorkspaceRoot is the parent directory of per-operation workspaces.
	WorkspaceRoot string
	// KeepWorkspace retains workspaces after use.
	KeepWorkspace bool
	// Format is the default archive format.
	Format archive.Format
	// MaxConcurrent bounds concurrent bundling operations in the service.
	MaxConcurrent int

	// GeneratorCommand is the code generator command line.
	GeneratorCommand string
	// GeneratorTimeout bounds a single generator run. Zero disables it.
	GeneratorTimeout time.Duration

	// WeightsPath is the root of the local weight store. Used when
	// WeightsRepository is empty.
	WeightsPath string
	// WeightsRepository is an OCI repository holding weight blobs.
	WeightsRepository string
	WeightsUsername   string
	WeightsPassword   string

	// Origins lists the browser origins allowed to call the service. A
	// single "*" allows all of them.
	Origins []string

	// Debug enables debug logging.
	Debug bool
}

// file is the schema of the HCL configuration file.
//
//	workspace      = "/var/lib/model-bundler/work"
//	keep_workspace = false
//	format         = "zip"
//	max_concurrent = 4
//	origins        = ["http://localhost:3000"]
//
//	generator {
//	  command = "torch-codegen --out $OUTPUT_DIR"
//	  timeout = "2m"
//	}
//
//	weights {
//	  repository = "registry.example.com/weights"
//	}
type file struct {
	Workspace     string          `hcl:"workspace,optional"`
	KeepWorkspace bool            `hcl:"keep_workspace,optional"`
	Format        string          `hcl:"format,optional"`
	MaxConcurrent int             `hcl:"max_concurrent,optional"`
	Debug         bool            `hcl:"debug,optional"`
	Origins       []string        `hcl:"origins,optional"`
	Generator     *generatorBlock `hcl:"generator,block"`
	Weights       *weightsBlock   `hcl:"weights,block"`
}

type generatorBlock struct {
	Command string `hcl:"command"`
	Timeout string `hcl:"timeout,optional"`
}

type weightsBlock struct {
	Path       string `hcl:"path,optional"`
	Repository string `hcl:"repository,optional"`
	Username   string `hcl:"username,optional"`
	Password   string `hcl:"password,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	weightsPath := "weights"
	if home, err := os.UserHomeDir(); err == nil {
		weightsPath = filepath.Join(home, ".model-bundler", "weights")
	}
	return &Config{
		WorkspaceRoot:    os.TempDir(),
		Format:           archive.DefaultFormat,
		GeneratorTimeout: DefaultGeneratorTimeout,
		WeightsPath:      weightsPath,
	}
}

// Load resolves the configuration. An empty path falls back to the file
// named by MODEL_BUNDLER_CONFIG, if any.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var f file
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if f.Workspace != "" {
		c.WorkspaceRoot = f.Workspace
	}
	c.KeepWorkspace = c.KeepWorkspace || f.KeepWorkspace
	if f.Format != "" {
		format, err := archive.ParseFormat(f.Format)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		c.Format = format
	}
	if f.MaxConcurrent != 0 {
		c.MaxConcurrent = f.MaxConcurrent
	}
	c.Debug = c.Debug || f.Debug
	if len(f.Origins) > 0 {
		c.Origins = f.Origins
	}
	if g := f.Generator; g != nil {
		c.GeneratorCommand = g.Command
		if g.Timeout != "" {
			timeout, err := time.ParseDuration(g.Timeout)
			if err != nil {
				return fmt.Errorf("load config %s: invalid generator timeout: %w", path, err)
			}
			c.GeneratorTimeout = timeout
		}
	}
	if w := f.Weights; w != nil {
		if w.Path != "" {
			c.WeightsPath = w.Path
		}
		c.WeightsRepository = w.Repository
		c.WeightsUsername = w.Username
		c.WeightsPassword = w.Password
	}
	return nil
}

// applyEnv overrides settings from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	vars := map[string]*string{
		"MODEL_BUNDLER_WORKSPACE": &c.WorkspaceRoot,
		"MODEL_BUNDLER_GENERATOR": &c.GeneratorCommand,
		"WEIGHTS_PATH":            &c.WeightsPath,
		"WEIGHTS_REPOSITORY":      &c.WeightsRepository,
		"WEIGHTS_USERNAME":        &c.WeightsUsername,
		"WEIGHTS_PASSWORD":        &c.WeightsPassword,
	}
	for key, target := range vars {
		if value, ok := lookup(key); ok && value != "" {
			*target = value
		}
	}

	if value, ok := lookup("MODEL_BUNDLER_KEEP_WORKSPACE"); ok && value != "" {
		keep, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid MODEL_BUNDLER_KEEP_WORKSPACE %q: %w", value, err)
		}
		c.KeepWorkspace = keep
	}
	if value, ok := lookup("MODEL_BUNDLER_GENERATOR_TIMEOUT"); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid MODEL_BUNDLER_GENERATOR_TIMEOUT %q: %w", value, err)
		}
		c.GeneratorTimeout = timeout
	}
	if value, ok := lookup("MODEL_BUNDLER_FORMAT"); ok && value != "" {
		format, err := archive.ParseFormat(value)
		if err != nil {
			return fmt.Errorf("invalid MODEL_BUNDLER_FORMAT: %w", err)
		}
		c.Format = format
	}
	if value, ok := lookup("MODEL_BUNDLER_MAX_CONCURRENT"); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid MODEL_BUNDLER_MAX_CONCURRENT %q", value)
		}
		c.MaxConcurrent = n
	}
	if value, ok := lookup("MODEL_BUNDLER_ORIGINS"); ok && value != "" {
		c.Origins = splitList(value)
	}
	if value, ok := lookup("DEBUG"); ok && value == "1" {
		c.Debug = true
	}
	return nil
}

// Validate checks that the configuration can drive a bundler.
func (c *Config) Validate() error {
	if c.GeneratorCommand == "" {
		return errors.New("no code generator configured: set MODEL_BUNDLER_GENERATOR or a generator block")
	}
	if c.GeneratorTimeout < 0 {
		return fmt.Errorf("negative generator timeout %s", c.GeneratorTimeout)
	}
	if c.WeightsRepository == "" && c.WeightsPath == "" {
		return errors.New("no weight store configured")
	}
	return nil
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
