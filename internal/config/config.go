package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/observability"
	"harvestline/internal/oracle"
	"harvestline/internal/payout"
)

// FileName is the config file inside a workspace.
const FileName = "harvestline.yml"

// Config models harvestline.yml.
type Config struct {
	Issuer    IssuerConfig         `yaml:"issuer"`
	Policy    PolicyConfig         `yaml:"policy"`
	Oracle    OracleConfig         `yaml:"oracle"`
	Payout    payout.Config        `yaml:"payout"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Lease     LeaseConfig          `yaml:"lease"`
	Cache     CacheConfig          `yaml:"cache"`
	Redis     RedisConfig          `yaml:"redis"`
	Store     StoreConfig          `yaml:"store"`
	Server    ServerConfig         `yaml:"server"`
	Telemetry observability.Config `yaml:"telemetry"`
	Log       log.Config           `yaml:"log"`
	Webhooks  []WebhookConfig      `yaml:"webhooks"`
	Sweeper   SweeperConfig        `yaml:"sweeper"`
}

type IssuerConfig struct {
	// Account backs new policies unless a contract names another issuer.
	Account string `yaml:"account"`
	// Operators may act for any issuer account (cancel, sweeps, contracts).
	Operators []string `yaml:"operators"`
}

type PolicyConfig struct {
	PremiumRate          decimal.Decimal `yaml:"premium_rate"`
	MinMonths            int             `yaml:"min_months"`
	MaxMonths            int             `yaml:"max_months"`
	Perils               []string        `yaml:"perils"`
	HolderPattern        string          `yaml:"holder_pattern"`
	MaxDeductiblePercent decimal.Decimal `yaml:"max_deductible_percent"`
}

type OracleConfig struct {
	Freshness    time.Duration       `yaml:"freshness"`
	MaxClockSkew time.Duration       `yaml:"max_clock_skew"`
	Keys         []oracle.TrustedKey `yaml:"keys"`
	// MeasurementSchema is a JSON Schema document; empty uses the built-in one.
	MeasurementSchema string `yaml:"measurement_schema"`
}

type LedgerConfig struct {
	// Mode is "rpc" for a remote node or "simulator" for the in-process ledger.
	Mode      string           `yaml:"mode"`
	RPC       ledger.RPCConfig `yaml:"rpc"`
	SignerKey string           `yaml:"signer_key"`
}

type LeaseConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Wait    time.Duration `yaml:"wait"`
}

type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	JWTSecret string  `yaml:"jwt_secret"`
	JWTIssuer string  `yaml:"jwt_issuer"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type SweeperConfig struct {
	ExpireInterval    time.Duration `yaml:"expire_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	WebhookInterval   time.Duration `yaml:"webhook_interval"`
	BatchSize         int           `yaml:"batch_size"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Issuer.Account) == "" {
		return fmt.Errorf("config.issuer.account is required")
	}
	if !c.Policy.PremiumRate.IsPositive() || c.Policy.PremiumRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config.policy.premium_rate must be within (0,1)")
	}
	if c.Policy.MinMonths <= 0 || c.Policy.MaxMonths < c.Policy.MinMonths {
		return fmt.Errorf("config.policy duration bounds are invalid (%d..%d months)", c.Policy.MinMonths, c.Policy.MaxMonths)
	}
	if len(c.Policy.Perils) == 0 {
		return fmt.Errorf("config.policy.perils is required")
	}
	for _, p := range c.Policy.Perils {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.policy.perils contains an empty peril")
		}
	}
	if _, err := regexp.Compile(c.Policy.HolderPattern); err != nil {
		return fmt.Errorf("config.policy.holder_pattern: %w", err)
	}
	if c.Policy.MaxDeductiblePercent.IsNegative() || c.Policy.MaxDeductiblePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("config.policy.max_deductible_percent must be within [0,100]")
	}
	if c.Oracle.Freshness <= 0 {
		return fmt.Errorf("config.oracle.freshness must be positive")
	}
	if c.Oracle.MaxClockSkew < 0 {
		return fmt.Errorf("config.oracle.max_clock_skew must not be negative")
	}
	if _, err := oracle.NewKeyRing(c.Oracle.Keys); err != nil {
		return fmt.Errorf("config.oracle.keys: %w", err)
	}
	if _, err := oracle.CompileMeasurementSchema(c.Oracle.MeasurementSchema); err != nil {
		return fmt.Errorf("config.oracle.measurement_schema: %w", err)
	}
	if _, err := payout.New(c.Payout); err != nil {
		return fmt.Errorf("config.payout: %w", err)
	}
	switch c.Ledger.Mode {
	case "simulator":
	case "rpc":
		if strings.TrimSpace(c.Ledger.RPC.URL) == "" {
			return fmt.Errorf("config.ledger.rpc.url is required in rpc mode")
		}
	default:
		return fmt.Errorf("config.ledger.mode must be rpc or simulator")
	}
	switch c.Lease.Backend {
	case "sql":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("config.redis.addrs is required for the redis lease backend")
		}
	default:
		return fmt.Errorf("config.lease.backend must be sql or redis")
	}
	if c.Lease.TTL <= 0 || c.Lease.Wait < 0 {
		return fmt.Errorf("config.lease ttl must be positive and wait not negative")
	}
	// the heartbeat renews at ttl/3; a ttl shorter than one ledger call leaves
	// no slack when a renewal fails
	if c.Ledger.Mode == "rpc" {
		if worst := c.Ledger.RPC.WorstCaseCall(); c.Lease.TTL <= worst {
			return fmt.Errorf("config.lease.ttl (%s) must exceed the longest ledger call (%s)", c.Lease.TTL, worst)
		}
	}
	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("config.redis.addrs is required for the redis cache")
		}
	default:
		return fmt.Errorf("config.cache.backend must be none, memory or redis")
	}
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// IsOperator reports whether id may act for the issuer.
func (c *Config) IsOperator(id string) bool {
	if id == "" {
		return false
	}
	if id == c.Issuer.Account {
		return true
	}
	for _, op := range c.Issuer.Operators {
		if op == id {
			return true
		}
	}
	return false
}

// KnownPeril reports whether peril is in the configured catalog.
func (c *Config) KnownPeril(peril string) bool {
	for _, p := range c.Policy.Perils {
		if p == peril {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML for the given issuer account.
func GenerateDefault(issuer string) string {
	return fmt.Sprintf(defaultTemplate, issuer)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(DefaultIssuer))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
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

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DefaultIssuer is the simulator's well-known issuer account.
const DefaultIssuer = "rHarvestLineTreasury111111"

const defaultTemplate = `issuer:
  account: %s
  operators: []

policy:
  premium_rate: "0.05"
  min_months: 1
  max_months: 24
  perils: [weather, pest, disease, fire, flood, drought]
  holder_pattern: '^r[1-9A-HJ-NP-Za-km-z]{24,34}$'
  max_deductible_percent: "50"

oracle:
  freshness: 10m
  max_clock_skew: 30s
  keys: []

payout:
  kind: linear

ledger:
  mode: simulator
  rpc:
    url: http://127.0.0.1:5006
    attempt_timeout: 10s
    rate_limit: 20
    burst: 5
    retry:
      initial_delay: 100ms
      max_delay: 5s
      factor: 2.0
      max_attempts: 4

lease:
  backend: sql
  ttl: 60s
  wait: 2s

cache:
  backend: memory
  ttl: 1m

redis:
  addrs: []

store:
  driver: sqlite

server:
  addr: 127.0.0.1:8080
  jwt_issuer: harvestline
  rate_limit: 50
  burst: 20

telemetry:
  enabled: false
  service_name: harvestline
  otlp_endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0

log:
  level: info
  format: prefixed
  output: stderr

webhooks: []

sweeper:
  expire_interval: 1m
  reconcile_interval: 15s
  webhook_interval: 2s
  batch_size: 200
`
