package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models datagate.yml.
type Config struct {
	Provider struct {
		// Hex-encoded private key of the provider account. Dev mode only; in
		// production this comes from DATAGATE_PROVIDER_KEY.
		Key string `yaml:"key"`
	} `yaml:"provider"`
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Ledger struct {
		// Mode selects the keeper backend. Only "dev" is wired today.
		Mode string `yaml:"mode"`
	} `yaml:"ledger"`
	SecretStore struct {
		// URL of the encryption gateway. Empty selects the in-process store.
		URL string `yaml:"url"`
	} `yaml:"secret_store"`
	Operator struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
		// OutputNode is the node workflow results are written to; defaults to
		// the operator URL. PublishOutput asks the operator to publish results.
		OutputNode    string `yaml:"output_node"`
		PublishOutput bool   `yaml:"publish_output"`
	} `yaml:"operator"`
	Resolve struct {
		IPFSGateway  string        `yaml:"ipfs_gateway"`
		S3PresignTTL time.Duration `yaml:"s3_presign_ttl"`
	} `yaml:"resolve"`
	AuthToken struct {
		Message string        `yaml:"message"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"auth_token"`
	Agreements struct {
		TimeoutSeconds int64 `yaml:"timeout_seconds"`
	} `yaml:"agreements"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook forwards audit events to an external endpoint.
type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, "datagate.yml")
}

// Default returns a config suitable for local development.
func Default() *Config {
	c := &Config{}
	c.Server.Listen = "127.0.0.1:8030"
	c.Server.BasePath = "/api/v1"
	c.Ledger.Mode = "dev"
	c.Resolve.IPFSGateway = "https://ipfs.io"
	c.Resolve.S3PresignTTL = time.Hour
	c.AuthToken.TTL = 30 * 24 * time.Hour
	c.Agreements.TimeoutSeconds = 3600
	return c
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Unset fields inherit the
// development defaults.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Ledger.Mode != "dev" {
		return fmt.Errorf("config.ledger.mode %q not supported", c.Ledger.Mode)
	}
	if c.Resolve.IPFSGateway == "" {
		return fmt.Errorf("config.resolve.ipfs_gateway is required")
	}
	if c.Resolve.S3PresignTTL <= 0 {
		return fmt.Errorf("config.resolve.s3_presign_ttl must be positive")
	}
	if c.AuthToken.TTL <= 0 {
		return fmt.Errorf("config.auth_token.ttl must be positive")
	}
	if c.Agreements.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.agreements.timeout_seconds must be positive")
	}
	if c.Operator.URL != "" && c.Operator.Secret == "" {
		return fmt.Errorf("config.operator.secret is required when operator.url is set")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ProviderKey resolves the provider signing key, letting the environment
// override the file.
func (c *Config) ProviderKey() string {
	if env := os.Getenv("DATAGATE_PROVIDER_KEY"); env != "" {
		return env
	}
	return c.Provider.Key
}
