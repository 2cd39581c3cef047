package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fundledger/services/settlementd/domain"
)

// Backend enumerates supported secret backends.
type Backend string

const (
	// BackendEnv loads secrets from environment variables.
	BackendEnv Backend = "env"
	// BackendFilesystem loads secrets from files under a root directory.
	BackendFilesystem Backend = "filesystem"
	// BackendBolt loads secrets from the encrypted wallet vault.
	BackendBolt Backend = "bolt"
)

// ErrSecretNotFound is returned when a reference resolves to nothing.
var ErrSecretNotFound = errors.New("secrets: not found")

// Store resolves signing secrets by reference. Values never leave the
// settlement engine.
type Store interface {
	GetSigningSecret(ctx context.Context, ref string) (domain.Secret, error)
}

// Config describes the secret backend wiring.
type Config struct {
	Backend Backend `yaml:"backend"`
	// BasePath locates secret files for the filesystem backend and the vault file for bolt.
	BasePath string `yaml:"path"`
	// MasterKeyEnv names the environment variable holding the vault passphrase.
	MasterKeyEnv string `yaml:"master_key_env"`
}

// Manager implements Store using the configured backend.
type Manager struct {
	backend Backend
	baseDir string
	vault   *Vault
}

// NewManager constructs a Manager for the supplied configuration.
func NewManager(cfg Config) (*Manager, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendEnv
	}

	switch backend {
	case BackendEnv:
		return &Manager{backend: backend}, nil
	case BackendFilesystem:
		base := strings.TrimSpace(cfg.BasePath)
		if base == "" {
			return nil, errors.New("filesystem secret backend requires base path")
		}
		info, err := os.Stat(base)
		if err != nil {
			return nil, fmt.Errorf("stat secret directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("secret base path %s is not a directory", base)
		}
		return &Manager{backend: backend, baseDir: base}, nil
	case BackendBolt:
		envName := strings.TrimSpace(cfg.MasterKeyEnv)
		if envName == "" {
			envName = "SETTLEMENTD_VAULT_KEY"
		}
		vault, err := OpenVault(cfg.BasePath, os.Getenv(envName))
		if err != nil {
			return nil, err
		}
		return &Manager{backend: backend, vault: vault}, nil
	default:
		return nil, fmt.Errorf("unsupported secret backend %q", backend)
	}
}

// Vault exposes the bolt vault when that backend is configured.
func (m *Manager) Vault() *Vault {
	if m == nil {
		return nil
	}
	return m.vault
}

// Close releases backend resources.
func (m *Manager) Close() error {
	if m == nil || m.vault == nil {
		return nil
	}
	return m.vault.Close()
}

// GetSigningSecret resolves ref using the configured backend.
func (m *Manager) GetSigningSecret(ctx context.Context, ref string) (domain.Secret, error) {
	if m == nil {
		return domain.Secret{}, errors.New("secret manager not configured")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Secret{}, errors.New("secret name required")
	}
	switch m.backend {
	case BackendEnv:
		value := strings.TrimSpace(os.Getenv(ref))
		if value == "" {
			return domain.Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
		}
		return domain.NewSecret(value), nil
	case BackendFilesystem:
		clean := filepath.Clean(ref)
		if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, `..`+string(os.PathSeparator)) {
			return domain.Secret{}, fmt.Errorf("secret name %q is invalid", ref)
		}
		if filepath.IsAbs(clean) {
			return domain.Secret{}, fmt.Errorf("secret name %q must be relative", ref)
		}
		data, err := os.ReadFile(filepath.Join(m.baseDir, clean))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return domain.Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
			}
			return domain.Secret{}, err
		}
		return domain.NewSecret(string(data)), nil
	case BackendBolt:
		return m.vault.GetSigningSecret(ctx, ref)
	default:
		return domain.Secret{}, fmt.Errorf("unsupported secret backend %q", m.backend)
	}
}

// Static is an in-memory Store keyed by reference, used for local wiring and tests.
type Static map[string]string

// GetSigningSecret implements Store.
func (s Static) GetSigningSecret(_ context.Context, ref string) (domain.Secret, error) {
	value, ok := s[strings.TrimSpace(ref)]
	if !ok || value == "" {
		return domain.Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return domain.NewSecret(value), nil
}
