package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Redis        RedisConfig
	Tracing      TracingConfig
	Alert        AlertConfig
	Aggregation  AggregationConfig
	Subscription SubscriptionConfig
	AccountsFile string
	// AccountsReload is how often AccountsFile is re-read; zero disables.
	AccountsReload time.Duration
	Sources        SourcesFile
}

type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level string
}

// RedisConfig enables the update publisher when URL is set.
type RedisConfig struct {
	URL    string
	Stream string
	MaxLen int64
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type AggregationConfig struct {
	SourceTimeout      time.Duration
	AggregationTimeout time.Duration
	CacheTTL           time.Duration
	RefreshInterval    time.Duration
	VerifyInterval     time.Duration
	UnhealthyThreshold int
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

type SubscriptionConfig struct {
	DedupWindow  time.Duration
	MergeTimeout time.Duration
	PollInterval time.Duration
	PollRPS      float64
	PollBurst    int
}

// SourcesFile is the YAML document named by ACCOUNTS_FILE.
type SourcesFile struct {
	Accounts []AccountEntry   `yaml:"accounts"`
	EVM      EVMSource        `yaml:"evm"`
	Solana   *SolanaSource    `yaml:"solana"`
	CEX      []CEXSource      `yaml:"cex"`
	Prices   map[string]string `yaml:"prices"`
}

// AccountEntry is one tracked address. An empty connection, or "watch",
// registers a watch address.
type AccountEntry struct {
	Connection  string   `yaml:"connection"`
	ChainFamily string   `yaml:"chain_family"`
	Address     string   `yaml:"address"`
	Chains      []string `yaml:"chains"`
	Label       string   `yaml:"label"`
}

type EVMSource struct {
	Concurrency int        `yaml:"concurrency"`
	HeadRefresh bool       `yaml:"head_refresh"`
	Chains      []EVMChain `yaml:"chains"`
}

type EVMChain struct {
	ChainID        string     `yaml:"chain_id"`
	Name           string     `yaml:"name"`
	RPCURL         string     `yaml:"rpc_url"`
	WSURL          string     `yaml:"ws_url"`
	NativeSymbol   string     `yaml:"native_symbol"`
	NativeDecimals int32      `yaml:"native_decimals"`
	Tokens         []EVMToken `yaml:"tokens"`
}

type EVMToken struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

type SolanaSource struct {
	RPCURL      string            `yaml:"rpc_url"`
	WSURL       string            `yaml:"ws_url"`
	ChainID     string            `yaml:"chain_id"`
	Concurrency int               `yaml:"concurrency"`
	Mints       map[string]string `yaml:"mints"`
}

// CEXSource points at an exported account file for one exchange.
type CEXSource struct {
	Exchange string `yaml:"exchange"`
	File     string `yaml:"file"`
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("API_ADDR", ":8080"),
			AllowedOrigins:  splitList(getEnv("API_ALLOWED_ORIGINS", "http://localhost:3000")),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			URL:    getEnv("REDIS_URL", ""),
			Stream: getEnv("REDIS_STREAM", "portfolio:updates"),
			MaxLen: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
		Aggregation: AggregationConfig{
			SourceTimeout:      getEnvDuration("SOURCE_TIMEOUT", 10*time.Second),
			AggregationTimeout: getEnvDuration("AGGREGATION_TIMEOUT", 30*time.Second),
			CacheTTL:           getEnvDuration("SOURCE_CACHE_TTL", 24*time.Hour),
			RefreshInterval:    getEnvDuration("REFRESH_INTERVAL", 5*time.Minute),
			VerifyInterval:     getEnvDuration("VERIFY_TOTAL_INTERVAL", time.Minute),
			UnhealthyThreshold: getEnvInt("SOURCE_UNHEALTHY_THRESHOLD", 3),
			BreakerFailures:    getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerOpenTimeout: getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Subscription: SubscriptionConfig{
			DedupWindow:  getEnvDuration("DEDUP_WINDOW", 500*time.Millisecond),
			MergeTimeout: getEnvDuration("MERGE_TIMEOUT", 15*time.Second),
			PollInterval: getEnvDuration("POLL_INTERVAL", 30*time.Second),
			PollRPS:      getEnvFloat("POLL_RPS", 5),
			PollBurst:    getEnvInt("POLL_BURST", 10),
		},
		AccountsFile:   getEnv("ACCOUNTS_FILE", ""),
		AccountsReload: getEnvDuration("ACCOUNTS_RELOAD_INTERVAL", 30*time.Second),
	}

	if cfg.AccountsFile != "" {
		sources, err := LoadSources(cfg.AccountsFile)
		if err != nil {
			return nil, err
		}
		cfg.Sources = *sources
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSources reads and checks the accounts/sources YAML document.
func LoadSources(path string) (*SourcesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f SourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", path, err)
	}
	return &f, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("API_ADDR is required")
	}
	if c.Aggregation.SourceTimeout <= 0 {
		return fmt.Errorf("SOURCE_TIMEOUT must be positive")
	}
	if c.Aggregation.AggregationTimeout < c.Aggregation.SourceTimeout {
		return fmt.Errorf("AGGREGATION_TIMEOUT (%s) must not be shorter than SOURCE_TIMEOUT (%s)",
			c.Aggregation.AggregationTimeout, c.Aggregation.SourceTimeout)
	}
	if c.Subscription.DedupWindow < 0 {
		return fmt.Errorf("DEDUP_WINDOW must not be negative")
	}
	if c.Subscription.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Subscription.PollRPS <= 0 {
		return fmt.Errorf("POLL_RPS must be positive")
	}
	if c.AccountsReload < 0 {
		return fmt.Errorf("ACCOUNTS_RELOAD_INTERVAL must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

func (f *SourcesFile) validate() error {
	for i, a := range f.Accounts {
		family, err := model.ParseChainFamily(a.ChainFamily)
		if err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if strings.TrimSpace(a.Address) == "" {
			return fmt.Errorf("accounts[%d]: address is required", i)
		}
		if family == model.ChainFamilyCEX && a.Connection == "" {
			return fmt.Errorf("accounts[%d]: cex accounts need a connection", i)
		}
	}

	seen := make(map[string]bool, len(f.EVM.Chains))
	for i, c := range f.EVM.Chains {
		if c.ChainID == "" || c.RPCURL == "" {
			return fmt.Errorf("evm.chains[%d]: chain_id and rpc_url are required", i)
		}
		if seen[c.ChainID] {
			return fmt.Errorf("evm.chains[%d]: duplicate chain_id %s", i, c.ChainID)
		}
		seen[c.ChainID] = true
		for j, t := range c.Tokens {
			if t.Address == "" || t.Symbol == "" {
				return fmt.Errorf("evm.chains[%d].tokens[%d]: address and symbol are required", i, j)
			}
		}
	}

	if f.Solana != nil && f.Solana.RPCURL == "" {
		return fmt.Errorf("solana.rpc_url is required")
	}
	for i, c := range f.CEX {
		if c.Exchange == "" || c.File == "" {
			return fmt.Errorf("cex[%d]: exchange and file are required", i)
		}
	}
	if _, err := f.PriceTable(); err != nil {
		return err
	}
	return nil
}

// PriceTable parses the static USD price list keyed by symbol.
func (f *SourcesFile) PriceTable() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(f.Prices))
	for sym, raw := range f.Prices {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("prices.%s: %w", sym, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("prices.%s: negative price %s", sym, raw)
		}
		out[strings.ToUpper(sym)] = d
	}
	return out, nil
}

// TrackedAccount converts the entry to a registry record.
func (a AccountEntry) TrackedAccount() (model.TrackedAccount, error) {
	family, err := model.ParseChainFamily(a.ChainFamily)
	if err != nil {
		return model.TrackedAccount{}, err
	}

	var id model.AccountID
	if a.Connection == "" || a.Connection == string(model.WatchConnection) {
		id, err = model.NewWatchAccountID(family, a.Address)
	} else {
		id, err = model.NewAccountID(model.ConnectionID(a.Connection), family, a.Address)
	}
	if err != nil {
		return model.TrackedAccount{}, err
	}

	var scope []model.ChainID
	for _, c := range a.Chains {
		scope = append(scope, model.ChainID(c))
	}
	return model.TrackedAccount{
		AccountID:   id,
		Address:     id.Address(),
		ChainFamily: family,
		ChainScope:  scope,
		Label:       a.Label,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
