package settlementd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"fundledger/observability/logging"
	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/middleware"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/risk"
	"fundledger/services/settlementd/secrets"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress  string                `yaml:"listen" env:"SETTLEMENTD_LISTEN"`
	Environment    string                `yaml:"environment" env:"SETTLEMENTD_ENV"`
	Log            LogConfig             `yaml:"log"`
	Telemetry      TelemetryConfig       `yaml:"telemetry"`
	Database       models.DatabaseConfig `yaml:"database"`
	Ledger         LedgerConfig          `yaml:"ledger"`
	Submitter      SubmitterConfig       `yaml:"submitter"`
	Secrets        secrets.Config        `yaml:"secrets"`
	Auth           auth.Config           `yaml:"auth"`
	RateLimit      middleware.RateLimit  `yaml:"rate_limit"`
	IdempotencyTTL Duration              `yaml:"idempotency_ttl"`
	Donations      DonationsConfig       `yaml:"donations"`
	Escrow         EscrowConfig          `yaml:"escrow"`
	Wallets        WalletsConfig         `yaml:"wallets"`
	Recurring      RecurringConfig       `yaml:"recurring"`
	Recon          ReconConfig           `yaml:"recon"`
	Risk           RiskConfig            `yaml:"risk"`
	Reports        ReportsConfig         `yaml:"reports"`
	Stream         StreamConfig          `yaml:"stream"`
}

// LogConfig selects the log level and an optional rotating file sink.
type LogConfig struct {
	Level string             `yaml:"level" env:"SETTLEMENTD_LOG_LEVEL"`
	File  logging.FileConfig `yaml:"file"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers     string  `yaml:"headers" env:"OTEL_EXPORTER_OTLP_HEADERS"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LedgerConfig selects the Horizon endpoint.
type LedgerConfig struct {
	HorizonURL        string   `yaml:"horizon_url" env:"SETTLEMENTD_HORIZON_URL"`
	Network           string   `yaml:"network"`
	BaseFee           int64    `yaml:"base_fee"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// SubmitterConfig bounds ledger calls made while submitting.
type SubmitterConfig struct {
	CallTimeout      Duration `yaml:"call_timeout"`
	RetryInitial     Duration `yaml:"retry_initial"`
	RetryMax         Duration `yaml:"retry_max"`
	MaxRetries       int      `yaml:"max_retries"`
	EnvelopeValidity Duration `yaml:"envelope_validity"`
}

// DonationsConfig lists accepted assets and the recurring failure budget.
type DonationsConfig struct {
	Assets                 []donations.AssetConfig `yaml:"assets"`
	MaxConsecutiveFailures int                     `yaml:"max_consecutive_failures"`
	BaseReserve            string                  `yaml:"base_reserve"`
}

// EscrowConfig names the platform administrators allowed to release any campaign.
type EscrowConfig struct {
	Admins []string `yaml:"admins"`
}

// WalletsConfig names the sponsor that funds new donor wallets. Funding is
// disabled while the sponsor is unset.
type WalletsConfig struct {
	SponsorAccount   string `yaml:"sponsor_account" env:"SETTLEMENTD_WALLET_SPONSOR"`
	SponsorSecretRef string `yaml:"sponsor_secret_ref"`
	StartingBalance  string `yaml:"starting_balance"`
}

// RecurringConfig tunes the subscription scheduler.
type RecurringConfig struct {
	Disabled  bool     `yaml:"disabled"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
}

// ReconConfig tunes reconciliation.
type ReconConfig struct {
	Disabled         bool     `yaml:"disabled"`
	Owner            string   `yaml:"owner" env:"SETTLEMENTD_RECON_OWNER"`
	Interval         Duration `yaml:"interval"`
	MaxInterval      Duration `yaml:"max_interval"`
	MinConfirmations int64    `yaml:"min_confirmations"`
	ExpiryMargin     Duration `yaml:"expiry_margin"`
	PendingGrace     Duration `yaml:"pending_grace"`
	MaxPendingAge    Duration `yaml:"max_pending_age"`
	LateWindow       Duration `yaml:"late_window"`
	Lease            Duration `yaml:"lease"`
	EffectsRetry     Duration `yaml:"effects_retry"`
	EffectsRetryMax  Duration `yaml:"effects_retry_max"`
	Workers          int      `yaml:"workers"`
	BatchSize        int      `yaml:"batch_size"`
}

// RiskConfig bundles the scorer and its KYC provider.
type RiskConfig struct {
	risk.Config `yaml:",inline"`
	KYC         risk.KYCConfig `yaml:"kyc"`
	KYCTimeout  Duration       `yaml:"kyc_timeout"`
}

// ReportsConfig locates exported report files.
type ReportsConfig struct {
	Directory string `yaml:"directory"`
}

// StreamConfig sizes the transaction event feed.
type StreamConfig struct {
	Buffer int `yaml:"buffer"`
}

// LoadConfig reads configuration from path, then applies a .env file when
// present and environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Ledger.Network == "" {
		cfg.Ledger.Network = "testnet"
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 30 * time.Second
	}
	if cfg.Submitter.CallTimeout.Duration == 0 {
		cfg.Submitter.CallTimeout.Duration = 15 * time.Second
	}
	if cfg.Submitter.RetryInitial.Duration == 0 {
		cfg.Submitter.RetryInitial.Duration = 500 * time.Millisecond
	}
	if cfg.Submitter.RetryMax.Duration == 0 {
		cfg.Submitter.RetryMax.Duration = 5 * time.Second
	}
	if cfg.Submitter.MaxRetries == 0 {
		cfg.Submitter.MaxRetries = 3
	}
	if cfg.Submitter.EnvelopeValidity.Duration == 0 {
		cfg.Submitter.EnvelopeValidity.Duration = 5 * time.Minute
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "fundledger"
	}
	if len(cfg.Auth.Audience) == 0 {
		cfg.Auth.Audience = []string{"settlementd"}
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.IdempotencyTTL.Duration == 0 {
		cfg.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Donations.MaxConsecutiveFailures == 0 {
		cfg.Donations.MaxConsecutiveFailures = 3
	}
	if cfg.Recurring.Interval.Duration == 0 {
		cfg.Recurring.Interval.Duration = time.Minute
	}
	if cfg.Recon.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "settlementd"
		}
		cfg.Recon.Owner = host
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 15 * time.Second
	}
	if cfg.Risk.KYCTimeout.Duration == 0 {
		cfg.Risk.KYCTimeout.Duration = 10 * time.Second
	}
	if cfg.Reports.Directory == "" {
		cfg.Reports.Directory = "data-local/reports"
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	switch strings.ToLower(cfg.Ledger.Network) {
	case "testnet", "public", "mainnet":
	default:
		if strings.TrimSpace(cfg.Ledger.HorizonURL) == "" {
			return fmt.Errorf("custom network %q requires horizon_url", cfg.Ledger.Network)
		}
	}
	if cfg.Submitter.MaxRetries < 0 {
		return fmt.Errorf("submitter max_retries must not be negative")
	}
	if strings.EqualFold(cfg.Auth.Alg, "RS256") {
		if strings.TrimSpace(cfg.Auth.RSAPublicKeyFile) == "" {
			return fmt.Errorf("auth rsa_public_key_file must be configured for RS256")
		}
	} else if strings.TrimSpace(cfg.Auth.HSSecret) == "" {
		return fmt.Errorf("SETTLEMENTD_JWT_SECRET must be set")
	}
	for _, raw := range cfg.Escrow.Admins {
		if _, err := uuid.Parse(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("escrow admin %q is not a uuid", raw)
		}
	}
	if (strings.TrimSpace(cfg.Wallets.SponsorAccount) == "") != (strings.TrimSpace(cfg.Wallets.SponsorSecretRef) == "") {
		return fmt.Errorf("wallets sponsor_account and sponsor_secret_ref must be set together")
	}
	if raw := strings.TrimSpace(cfg.Wallets.StartingBalance); raw != "" {
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("wallets starting_balance: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Donations.Assets))
	for _, asset := range cfg.Donations.Assets {
		code := strings.ToUpper(strings.TrimSpace(asset.Code))
		if code == "" {
			return fmt.Errorf("donation asset code must be configured")
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("donation asset %s listed twice", code)
		}
		seen[code] = struct{}{}
	}
	return nil
}
