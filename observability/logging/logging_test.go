package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("settlementd", "test", Options{Output: &buf, Level: slog.LevelDebug})
	logger.Info("sealed wallet", "signing_seed", "SBXYZ", "hash", "abc123", "donor_secret", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "sealed wallet", line["message"])
	require.Equal(t, "settlementd", line["service"])
	require.Equal(t, RedactedValue, line["signing_seed"])
	require.Equal(t, "abc123", line["hash"])
	require.Equal(t, "", line["donor_secret"])
	require.Contains(t, line, "timestamp")
}

func TestRedactionHelpers(t *testing.T) {
	require.True(t, IsSensitive("vault_passphrase"))
	require.False(t, IsSensitive("hash"))
	require.False(t, IsSensitive(" "))
	require.Equal(t, "GABC…WXYZ", MaskAccount("GABCDEFGHIJKLMNOPWXYZ"))
	require.Equal(t, RedactedValue, MaskAccount("short"))

	keys := RedactionAllowlist()
	require.Contains(t, keys, "source_type")
	require.IsIncreasing(t, keys)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
