package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// VerdictStatus is the verification state reported by the KYC provider.
type VerdictStatus string

// Known verdicts. Providers report upper-case values.
const (
	VerdictApproved VerdictStatus = "APPROVED"
	VerdictPending  VerdictStatus = "PENDING"
	VerdictRejected VerdictStatus = "REJECTED"
	VerdictUnknown  VerdictStatus = "UNKNOWN"
)

// Verdict is the provider's latest verification outcome for a user.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Result string        `json:"result,omitempty"`
}

// ErrNoVerdict is returned when the provider holds no verification for a user.
var ErrNoVerdict = errors.New("risk: no kyc verdict")

// KYCProvider is the black-box verification service.
type KYCProvider interface {
	GetVerificationVerdict(ctx context.Context, userID uuid.UUID) (Verdict, error)
}

// KYCConfig defines the HTTP client settings for the verification provider.
type KYCConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-" env:"SETTLEMENTD_KYC_API_KEY"`
	Timeout time.Duration `yaml:"-"`
}

// KYCClient fetches verdicts from the provider's REST API.
type KYCClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewKYCClient constructs a client with sane defaults.
func NewKYCClient(cfg KYCConfig) (*KYCClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("kyc: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KYCClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// GetVerificationVerdict implements KYCProvider.
func (c *KYCClient) GetVerificationVerdict(ctx context.Context, userID uuid.UUID) (Verdict, error) {
	if c == nil {
		return Verdict{}, fmt.Errorf("kyc: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/users/%s/verification", c.baseURL, userID), nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("kyc: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("kyc: call: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Verdict{}, ErrNoVerdict
	default:
		return Verdict{}, fmt.Errorf("kyc: unexpected status %d", resp.StatusCode)
	}
	var payload Verdict
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Verdict{}, fmt.Errorf("kyc: decode: %w", err)
	}
	payload.Status = VerdictStatus(strings.ToUpper(strings.TrimSpace(string(payload.Status))))
	return payload, nil
}

// StaticKYC serves fixed verdicts, for local runs and tests.
type StaticKYC map[uuid.UUID]Verdict

// GetVerificationVerdict implements KYCProvider.
func (s StaticKYC) GetVerificationVerdict(_ context.Context, userID uuid.UUID) (Verdict, error) {
	verdict, ok := s[userID]
	if !ok {
		return Verdict{}, ErrNoVerdict
	}
	return verdict, nil
}
