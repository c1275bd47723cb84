// Package config loads the zigsandbox configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/zigsandbox/internal/secrets"
	"github.com/szaher/zigsandbox/internal/telemetry"
	"github.com/szaher/zigsandbox/internal/toolchain"
)

// Config is the top-level configuration.
type Config struct {
	Listen         string          `yaml:"listen"`
	APIKey         string          `yaml:"api_key,omitempty"`
	LogLevel       string          `yaml:"log_level"`
	BuildTimeout   Duration        `yaml:"build_timeout,omitempty"` // zero: sessions run until the compiler exits
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	Toolchain      ToolchainConfig `yaml:"toolchain"`
	S3             S3Config        `yaml:"s3,omitempty"`
	MinIO          MinIOConfig     `yaml:"minio,omitempty"`
}

// ToolchainConfig locates the compiler image and standard library.
type ToolchainConfig struct {
	Compiler       string `yaml:"compiler"`
	Stdlib         string `yaml:"stdlib"`
	StdlibPrefix   string `yaml:"stdlib_prefix,omitempty"`
	CompilerSHA256 string `yaml:"compiler_sha256,omitempty"`
	StdlibSHA256   string `yaml:"stdlib_sha256,omitempty"`
	Refresh        string `yaml:"refresh,omitempty"` // cron spec, e.g. "@every 6h"
	Watch          bool   `yaml:"watch,omitempty"`
}

// S3Config configures s3:// toolchain sources.
type S3Config struct {
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// MinIOConfig configures minio:// toolchain sources.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Toolchain: ToolchainConfig{
			Compiler: "zig.wasm",
			Stdlib:   "zig-stdlib.tar.gz",
		},
	}
}

// Load reads path, expands ${VAR} references and applies defaults. An empty
// path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets replaces env(NAME) references in secret fields.
func (c *Config) resolveSecrets() error {
	for name, field := range map[string]*string{
		"api_key":          &c.APIKey,
		"minio.access_key": &c.MinIO.AccessKey,
		"minio.secret_key": &c.MinIO.SecretKey,
	} {
		v, err := secrets.Resolve(*field)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*field = v
	}
	return nil
}

// Secrets returns the resolved secret values, for log redaction.
func (c *Config) Secrets() []string {
	return []string{c.APIKey, c.MinIO.AccessKey, c.MinIO.SecretKey}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("config: listen is required"))
	}
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if c.BuildTimeout < 0 {
		errs = append(errs, errors.New("config: build_timeout must not be negative"))
	}
	if c.Toolchain.Compiler == "" {
		errs = append(errs, errors.New("config: toolchain.compiler is required"))
	}
	if c.Toolchain.Stdlib == "" {
		errs = append(errs, errors.New("config: toolchain.stdlib is required"))
	}
	for name, sum := range map[string]string{
		"toolchain.compiler_sha256": c.Toolchain.CompilerSHA256,
		"toolchain.stdlib_sha256":   c.Toolchain.StdlibSHA256,
	} {
		if sum != "" && !isHexDigest(sum) {
			errs = append(errs, fmt.Errorf("config: %s must be 64 hex characters", name))
		}
	}
	opts := c.SourceOptions()
	for _, loc := range []string{c.Toolchain.Compiler, c.Toolchain.Stdlib} {
		if loc == "" {
			continue
		}
		if _, err := toolchain.ParseSource(loc, opts); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SourceOptions returns the toolchain source settings.
func (c *Config) SourceOptions() toolchain.SourceOptions {
	return toolchain.SourceOptions{
		S3: toolchain.S3Options{
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			PathStyle: c.S3.PathStyle,
		},
		MinIO: toolchain.MinIOOptions{
			Endpoint:  c.MinIO.Endpoint,
			AccessKey: c.MinIO.AccessKey,
			SecretKey: c.MinIO.SecretKey,
			UseSSL:    c.MinIO.UseSSL,
		},
	}
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
