// Package config provides the configuration of the gemini MCP server.
package config

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/chunker"
	"github.com/effective-security/geminimcp/dispatcher"
	"github.com/effective-security/geminimcp/gemini"
	"github.com/effective-security/geminimcp/invoker"
	"github.com/effective-security/geminimcp/utils"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/x/values"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ShellAuto discovers the platform shell
const ShellAuto = "auto"

// Defaults
const (
	DefaultServerName  = "gemini-cli-mcp"
	DefaultStoreTTL    = time.Hour
	DefaultStorePrefix = "geminimcp"
	DefaultLogLevel    = "INFO"
)

// Config of the server
type Config struct {
	LogLevel string         `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	Gemini   gemini.Config  `json:"gemini" yaml:"gemini" toml:"gemini"`
	Invoker  InvokerConfig  `json:"invoker" yaml:"invoker" toml:"invoker"`
	Chunking ChunkingConfig `json:"chunking" yaml:"chunking" toml:"chunking"`
	Store    StoreConfig    `json:"store" yaml:"store" toml:"store"`
	Server   ServerConfig   `json:"server" yaml:"server" toml:"server"`
}

// InvokerConfig specifies how the CLI is started
type InvokerConfig struct {
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	KillGrace Duration `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty" toml:"kill_grace,omitempty"`
	// ProgressBuffer is the capacity of the output channel
	ProgressBuffer int `json:"progress_buffer,omitempty" yaml:"progress_buffer,omitempty" toml:"progress_buffer,omitempty"`
	// Shell is empty to pass argv directly,
	// `auto` to discover the platform shell, or the shell path.
	Shell string `json:"shell,omitempty" yaml:"shell,omitempty" toml:"shell,omitempty"`
}

// ChunkingConfig specifies the chunking of change mode results
type ChunkingConfig struct {
	MaxChunkSize int `json:"max_chunk_size,omitempty" yaml:"max_chunk_size,omitempty" toml:"max_chunk_size,omitempty"`
}

// StoreConfig specifies the chunk store
type StoreConfig struct {
	// Backend is memory or redis
	Backend  string   `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`
	RedisURL string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty" toml:"redis_url,omitempty"`
	Prefix   string   `json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" toml:"ttl,omitempty"`
}

// ServerConfig specifies the MCP server
type ServerConfig struct {
	Name             string   `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Version          string   `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
	ProgressInterval Duration `json:"progress_interval,omitempty" yaml:"progress_interval,omitempty" toml:"progress_interval,omitempty"`
	MinDelay         Duration `json:"min_delay,omitempty" yaml:"min_delay,omitempty" toml:"min_delay,omitempty"`
	PageSize         int      `json:"page_size,omitempty" yaml:"page_size,omitempty" toml:"page_size,omitempty"`
	// HTTPAddr serves the stateless HTTP transport instead of stdio
	HTTPAddr string `json:"http_addr,omitempty" yaml:"http_addr,omitempty" toml:"http_addr,omitempty"`
}

// LoadConfig from YAML, JSON or TOML file, empty file returns the defaults.
// Environment variables are expanded in YAML and JSON files.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	switch {
	case file == "":
	case strings.EqualFold(filepath.Ext(file), ".toml"):
		if _, err := toml.DecodeFile(file, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to load config %s", file)
		}
	default:
		if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
			return nil, errors.WithMessagef(err, "failed to load config %s", file)
		}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills empty values
func (c *Config) SetDefaults() {
	c.LogLevel = values.StringsCoalesce(c.LogLevel, DefaultLogLevel)

	c.Gemini.Command = values.StringsCoalesce(c.Gemini.Command, gemini.DefaultCommand)
	c.Gemini.DefaultModel = values.StringsCoalesce(c.Gemini.DefaultModel, gemini.DefaultModel)
	c.Gemini.ModelFlag = values.StringsCoalesce(c.Gemini.ModelFlag, gemini.DefaultModelFlag)
	c.Gemini.SandboxFlag = values.StringsCoalesce(c.Gemini.SandboxFlag, gemini.DefaultSandboxFlag)
	c.Gemini.PromptFlag = values.StringsCoalesce(c.Gemini.PromptFlag, gemini.DefaultPromptFlag)
	c.Gemini.APIKeyEnv = values.StringsCoalesce(c.Gemini.APIKeyEnv, gemini.DefaultAPIKeyEnv)

	c.Invoker.Timeout = coalesce(c.Invoker.Timeout, dispatcher.DefaultTimeout)
	c.Invoker.KillGrace = coalesce(c.Invoker.KillGrace, invoker.DefaultKillGrace)
	c.Invoker.ProgressBuffer = values.NumbersCoalesce(c.Invoker.ProgressBuffer, dispatcher.DefaultProgressBuffer)

	c.Chunking.MaxChunkSize = values.NumbersCoalesce(c.Chunking.MaxChunkSize, chunker.DefaultMaxChunkSize)

	c.Store.Backend = strings.ToLower(values.StringsCoalesce(c.Store.Backend, StoreMemory))
	c.Store.Prefix = values.StringsCoalesce(c.Store.Prefix, DefaultStorePrefix)
	c.Store.TTL = coalesce(c.Store.TTL, DefaultStoreTTL)

	c.Server.Name = values.StringsCoalesce(c.Server.Name, DefaultServerName)
	c.Server.ProgressInterval = coalesce(c.Server.ProgressInterval, dispatcher.DefaultProgressInterval)
	c.Server.MinDelay = coalesce(c.Server.MinDelay, dispatcher.DefaultMinDelay)
}

// Validate returns error if the configuration is not usable
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for redis backend")
		}
	default:
		return errors.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	if c.Chunking.MaxChunkSize < 0 {
		return errors.Errorf("chunking.max_chunk_size must be positive: %d", c.Chunking.MaxChunkSize)
	}
	if c.Server.PageSize < 0 {
		return errors.Errorf("server.page_size must not be negative: %d", c.Server.PageSize)
	}
	return nil
}

// Encode returns the configuration in yaml, json or toml format
func (c *Config) Encode(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		out, err := yaml.Marshal(c)
		return out, errors.WithStack(err)
	case "json":
		return []byte(utils.ToJSONIndent(c) + "\n"), nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, errors.WithStack(err)
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Errorf("unsupported format: %s", format)
}

func coalesce(d Duration, def time.Duration) Duration {
	return Duration(values.NumbersCoalesce(int64(d), int64(def)))
}

// Duration is time.Duration encoded as string, like 10m or 25s
type Duration time.Duration

// Duration returns the value as time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.WithStack(err)
	}
	return d.set(v)
}

// MarshalYAML encodes the duration as string
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or nanoseconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return errors.WithStack(err)
	}
	return d.set(v)
}

// MarshalText encodes the duration as string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalTOML accepts a duration string or nanoseconds
func (d *Duration) UnmarshalTOML(v any) error {
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.Errorf("invalid duration: %q", val)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(val)
	case int64:
		*d = Duration(val)
	case float64:
		*d = Duration(int64(val))
	default:
		return errors.Errorf("invalid duration: %v", v)
	}
	return nil
}
