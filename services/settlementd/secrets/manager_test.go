package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fundledger/services/settlementd/domain"
)

func TestManagerEnvBackend(t *testing.T) {
	t.Setenv("DONOR_SEED_TEST", "  SBSEED  ")
	mgr, err := NewManager(Config{Backend: BackendEnv})
	require.NoError(t, err)

	secret, err := mgr.GetSigningSecret(context.Background(), "DONOR_SEED_TEST")
	require.NoError(t, err)
	require.Equal(t, "SBSEED", secret.Reveal())

	_, err = mgr.GetSigningSecret(context.Background(), "DONOR_SEED_MISSING")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestManagerFilesystemBackendRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "escrow"), []byte("SESCROW\n"), 0o600))
	mgr, err := NewManager(Config{Backend: BackendFilesystem, BasePath: dir})
	require.NoError(t, err)

	secret, err := mgr.GetSigningSecret(context.Background(), "escrow")
	require.NoError(t, err)
	require.Equal(t, "SESCROW", secret.Reveal())

	_, err = mgr.GetSigningSecret(context.Background(), "../escrow")
	require.Error(t, err)
	_, err = mgr.GetSigningSecret(context.Background(), "/etc/passwd")
	require.Error(t, err)
}

func TestVaultSealsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	vault, err := OpenVault(path, "correct horse")
	require.NoError(t, err)
	require.NoError(t, vault.PutSigningSecret(context.Background(), "donor/1", domain.NewSecret("SDONORSEED")))

	got, err := vault.GetSigningSecret(context.Background(), "donor/1")
	require.NoError(t, err)
	require.Equal(t, "SDONORSEED", got.Reveal())
	require.Equal(t, "[REDACTED]", got.String())
	require.Equal(t, "[REDACTED]", fmt.Sprintf("%v", got))
	require.NoError(t, vault.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "SDONORSEED")

	_, err = OpenVault(path, "wrong passphrase")
	require.ErrorIs(t, err, ErrVaultKey)

	reopened, err := OpenVault(path, "correct horse")
	require.NoError(t, err)
	defer reopened.Close()
	refs, err := reopened.References()
	require.NoError(t, err)
	require.Equal(t, []string{"donor/1"}, refs)
}
