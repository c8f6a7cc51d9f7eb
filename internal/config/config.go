package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Platform struct {
		FeePercent float64 `yaml:"fee_percent"`
		Currency   string  `yaml:"currency"`
	} `yaml:"platform"`
	Rails struct {
		Default string `yaml:"default"`
		// DepositToleranceBps is the accepted deviation of a verified deposit from
		// the expected amount, in basis points.
		DepositToleranceBps int       `yaml:"deposit_tolerance_bps"`
		EVM                 EVMConfig `yaml:"evm"`
	} `yaml:"rails"`
	Screening Screening `yaml:"screening"`
	Webhooks  []Webhook `yaml:"webhooks"`
	Auth      struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type EVMConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	CollectionAddress string `yaml:"collection_address"`
	SignerKeyEnv      string `yaml:"signer_key_env"`
	// WeiPerUnit converts one minor currency unit to wei, as a decimal string.
	WeiPerUnit string `yaml:"wei_per_unit"`
	ChainID    int64  `yaml:"chain_id"`
}

type Screening struct {
	RejectTerms          []string `yaml:"reject_terms"`
	ReviewTerms          []string `yaml:"review_terms"`
	MinDescriptionLength int      `yaml:"min_description_length"`
}

type Webhook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
}

// Active reports whether the webhook should receive deliveries.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Accepts reports whether the webhook subscribes to notification type t.
func (w Webhook) Accepts(t string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == "*" || e == t {
			return true
		}
	}
	return false
}

const (
	RailManual = "manual"
	RailEVM    = "evm"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.FeePercent < 0 || c.Platform.FeePercent > 100 {
		return fmt.Errorf("config.platform.fee_percent must be within [0,100]")
	}
	if strings.TrimSpace(c.Platform.Currency) == "" {
		return fmt.Errorf("config.platform.currency is required")
	}
	switch c.Rails.Default {
	case RailManual:
	case RailEVM:
		if c.Rails.EVM.RPCURL == "" {
			return fmt.Errorf("config.rails.evm.rpc_url is required when the evm rail is the default")
		}
	default:
		return fmt.Errorf("config.rails.default must be one of %s, %s", RailManual, RailEVM)
	}
	if c.Rails.DepositToleranceBps < 0 || c.Rails.DepositToleranceBps > 10_000 {
		return fmt.Errorf("config.rails.deposit_tolerance_bps must be within [0,10000]")
	}
	if c.Rails.EVM.RPCURL != "" && c.Rails.EVM.CollectionAddress == "" {
		return fmt.Errorf("config.rails.evm.collection_address is required with rpc_url")
	}
	if c.Screening.MinDescriptionLength < 0 {
		return fmt.Errorf("config.screening.min_description_length must be non-negative")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q is not an absolute url", i, w.URL)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  fee_percent: 5
  currency: USD

rails:
  default: manual
  deposit_tolerance_bps: 100
  evm:
    rpc_url: ""
    collection_address: ""
    signer_key_env: BOUNTYLINE_EVM_SIGNER_KEY
    wei_per_unit: "10000000000000000"
    chain_id: 1

screening:
  reject_terms: [bioweapon, pathogen enhancement, human trafficking]
  review_terms: [human subjects, clinical trial, animal testing, dual-use]
  min_description_length: 40

webhooks: []

auth:
  allow_legacy_actor_header: true
`
