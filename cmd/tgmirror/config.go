package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/tgmirror/pkg/mirror"
	"github.com/lrhodin/tgmirror/pkg/tdlib"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`

	Source      int64 `yaml:"source"`
	Destination int64 `yaml:"destination"`

	ExcludeTypes   []string      `yaml:"exclude_types"`
	PageSize       int           `yaml:"page_size"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	SendCopy       bool          `yaml:"send_copy"`

	Ledger LedgerConfig `yaml:"ledger"`

	Path string `yaml:"-"`
}

type TelegramConfig struct {
	APIID             int32       `yaml:"api_id"`
	APIHash           string      `yaml:"api_hash"`
	Phone             string      `yaml:"phone"`
	DatabasePassword  string      `yaml:"database_password"`
	DatabaseDirectory string      `yaml:"database_directory"`
	FilesDirectory    string      `yaml:"files_directory"`
	LogVerbosity      int         `yaml:"log_verbosity"`
	Proxy             ProxyConfig `yaml:"proxy"`
}

type ProxyConfig struct {
	Server   string `yaml:"server"`
	Port     int32  `yaml:"port"`
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Secret   string `yaml:"secret"`
}

type LedgerConfig struct {
	Path            string `yaml:"path"`
	PersistEachCopy bool   `yaml:"persist_each_copy"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills in defaults for values left empty. An explicitly empty
// exclude_types list disables filtering.
func (c *Config) PostProcess() error {
	if c.PageSize <= 0 {
		c.PageSize = mirror.DefaultPageSize
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = mirror.DefaultConfirmTimeout
	}
	if c.ExcludeTypes == nil {
		c.ExcludeTypes = slices.Clone(mirror.DefaultExcludedTypes)
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/ledger.db"
	}
	if c.Telegram.Proxy.Server != "" && c.Telegram.Proxy.Port <= 0 {
		return fmt.Errorf("proxy %s has no port", c.Telegram.Proxy.Server)
	}
	return nil
}

// HasChats reports whether both the source and the destination are set.
func (c *Config) HasChats() bool {
	return c.Source != 0 && c.Destination != 0
}

func (c *Config) tdlibParameters() tdlib.Parameters {
	params := tdlib.Parameters{
		APIID:                 c.Telegram.APIID,
		APIHash:               c.Telegram.APIHash,
		PhoneNumber:           c.Telegram.Phone,
		DatabaseDirectory:     c.Telegram.DatabaseDirectory,
		FilesDirectory:        c.Telegram.FilesDirectory,
		DatabaseEncryptionKey: c.Telegram.DatabasePassword,
	}
	if p := c.Telegram.Proxy; p.Server != "" {
		params.Proxy = &tdlib.Proxy{
			Server:   p.Server,
			Port:     p.Port,
			Type:     p.Type,
			Username: p.Username,
			Password: p.Password,
			Secret:   p.Secret,
		}
	}
	return params
}

func (c *Config) syncConfig(dryRun bool) mirror.SyncConfig {
	return mirror.SyncConfig{
		Source:          mirror.ChatID(c.Source),
		Destination:     mirror.ChatID(c.Destination),
		ExcludeTypes:    c.ExcludeTypes,
		PageSize:        c.PageSize,
		ConfirmTimeout:  c.ConfirmTimeout,
		SendCopy:        c.SendCopy,
		PersistEachCopy: c.Ledger.PersistEachCopy,
		DryRun:          dryRun,
	}
}

// loadConfig reads the example config as defaults, overlays the config file
// at path if it exists, then applies environment overrides (including those
// from a .env file).
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Configuring purely through the environment is fine.
	case err != nil:
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	default:
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
		}
	}
	cfg.Path = path

	_ = godotenv.Load(".env")
	if err = cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, target *string) {
		if val, ok := lookup(key); ok && val != "" {
			*target = val
		}
	}
	integer := func(key string, bits int, set func(int64)) error {
		val, ok := lookup(key)
		if !ok || val == "" {
			return nil
		}
		parsed, err := strconv.ParseInt(val, 10, bits)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
		set(parsed)
		return nil
	}

	str("API_HASH", &c.Telegram.APIHash)
	str("PHONE", &c.Telegram.Phone)
	str("DB_PASSWORD", &c.Telegram.DatabasePassword)
	str("FILES_DIRECTORY", &c.Telegram.FilesDirectory)
	str("PROXY_SERVER", &c.Telegram.Proxy.Server)
	str("PROXY_TYPE", &c.Telegram.Proxy.Type)
	return errors.Join(
		integer("API_ID", 32, func(v int64) { c.Telegram.APIID = int32(v) }),
		integer("PROXY_PORT", 32, func(v int64) { c.Telegram.Proxy.Port = int32(v) }),
		integer("SOURCE", 64, func(v int64) { c.Source = v }),
		integer("DESTINATION", 64, func(v int64) { c.Destination = v }),
	)
}
