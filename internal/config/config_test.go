package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	clearBotsentryEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.OrchestratorTimeout)
	assert.Equal(t, int64(8), cfg.MaxConcurrentDetectors)
	assert.Equal(t, 0.9, cfg.QuorumConfidenceThreshold)
	assert.Equal(t, "logonly", cfg.DefaultActionPolicy)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearBotsentryEnv(t)
	t.Setenv("BOTSENTRY_LOG_LEVEL", "debug")
	t.Setenv("BOTSENTRY_ORCH_TIMEOUT_MS", "5000")
	t.Setenv("BOTSENTRY_ORCH_QUORUM_EXIT", "true")
	t.Setenv("BOTSENTRY_ORCH_QUORUM_THRESHOLD", "0.75")
	t.Setenv("BOTSENTRY_DEFAULT_ACTION_POLICY", "block")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.OrchestratorTimeout)
	assert.True(t, cfg.OrchestratorQuorumExit)
	assert.Equal(t, 0.75, cfg.QuorumConfidenceThreshold)
	assert.Equal(t, "block", cfg.DefaultActionPolicy)
}

func TestLoadReadsDotEnvFileWhenPresent(t *testing.T) {
	clearBotsentryEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("BOTSENTRY_LOG_LEVEL=warn\n"), 0o644))

	cfg, err := Load(envPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadIgnoresMissingDotEnvFile(t *testing.T) {
	clearBotsentryEnv(t)
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "does-not-exist.env"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestOrchestratorEvidenceSignatureConversionsCarryFields(t *testing.T) {
	clearBotsentryEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, cfg.OrchestratorTimeout, cfg.Orchestrator().Timeout)
	assert.Equal(t, cfg.FusionSaturation, cfg.Evidence().Saturation)
	assert.Equal(t, cfg.SignatureMaxEntries, cfg.Signature().MaxEntries)
}

func clearBotsentryEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BOTSENTRY_LOG_LEVEL", "BOTSENTRY_LOG_DEV",
		"BOTSENTRY_ORCH_PARALLEL_WAVES", "BOTSENTRY_ORCH_QUORUM_EXIT",
		"BOTSENTRY_ORCH_QUORUM_THRESHOLD", "BOTSENTRY_ORCH_TIMEOUT_MS",
		"BOTSENTRY_ORCH_MAX_CONCURRENT", "BOTSENTRY_SIGNAL_MAX_CAPACITY",
		"BOTSENTRY_SIGNAL_RETENTION_MINUTES", "BOTSENTRY_SIGNATURE_MAX_ENTRIES",
		"BOTSENTRY_SIGNATURE_TTL_MINUTES", "BOTSENTRY_SIGNATURE_HISTORY",
		"BOTSENTRY_SIGNATURE_ALPHA", "BOTSENTRY_ESCALATION_QUEUE_CAPACITY",
		"BOTSENTRY_FUSION_SATURATION", "BOTSENTRY_FUSION_TOPN",
		"BOTSENTRY_DEFAULT_DETECTION_POLICY", "BOTSENTRY_DEFAULT_ACTION_POLICY",
		"BOTSENTRY_METRICS_ADDR", "BOTSENTRY_SQLITE_PATH",
		"BOTSENTRY_CHALLENGE_TOKEN_SECRET", "BOTSENTRY_PII_DIGEST_SECRET",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}
