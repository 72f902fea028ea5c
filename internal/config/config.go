// Package config loads runtime configuration from environment variables
// (via github.com/joho/godotenv, backed by an optional .env file) plus
// os.Getenv overrides. spec.md §6.1 deliberately prescribes no file format
// for ActionPolicies/DetectionPolicies/Detectors — those are built by
// callers in-process — so this package only covers the env-shaped
// primitives listed under Orchestrator/Escalation in §6.1, mirroring the
// teacher's internal/config.Load, which reads a flat set of env vars into
// one Config struct with defaults for anything unset.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/greywing/botsentry/internal/evidence"
	"github.com/greywing/botsentry/internal/orchestrator"
	"github.com/greywing/botsentry/internal/signature"
)

// Config is the engine's environment-derived runtime configuration
// (spec.md §6.1 Orchestrator + Escalation sections).
type Config struct {
	LogLevel string
	LogDev   bool

	OrchestratorParallelWaves bool
	OrchestratorQuorumExit    bool
	QuorumConfidenceThreshold float64
	OrchestratorTimeout       time.Duration
	MaxConcurrentDetectors    int64
	SignalMaxCapacity         int
	SignalRetentionMinutes    int

	SignatureMaxEntries int
	SignatureTTL        time.Duration
	SignatureHistory    int
	SignatureAlpha      float64

	EscalationQueueCapacity int

	FusionSaturation float64
	FusionTopN       int

	DefaultDetectionPolicy string
	DefaultActionPolicy    string

	ChallengeTokenSecret []byte
	PIIDigestSecret      []byte
	MetricsAddr          string
	SQLitePath           string
}

// Load reads envFile via godotenv (missing file is not an error — the
// teacher's config layer treats an absent .env the same way, falling back
// to whatever is already in the process environment) and then builds a
// Config from the resulting environment, applying defaults for anything
// unset.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{
		LogLevel: getenvString("BOTSENTRY_LOG_LEVEL", "info"),
		LogDev:   getenvBool("BOTSENTRY_LOG_DEV", false),

		OrchestratorParallelWaves: getenvBool("BOTSENTRY_ORCH_PARALLEL_WAVES", true),
		OrchestratorQuorumExit:    getenvBool("BOTSENTRY_ORCH_QUORUM_EXIT", false),
		QuorumConfidenceThreshold: getenvFloat("BOTSENTRY_ORCH_QUORUM_THRESHOLD", 0.9),
		OrchestratorTimeout:       getenvDurationMS("BOTSENTRY_ORCH_TIMEOUT_MS", 2000),
		MaxConcurrentDetectors:    int64(getenvInt("BOTSENTRY_ORCH_MAX_CONCURRENT", 8)),
		SignalMaxCapacity:         getenvInt("BOTSENTRY_SIGNAL_MAX_CAPACITY", 4096),
		SignalRetentionMinutes:    getenvInt("BOTSENTRY_SIGNAL_RETENTION_MINUTES", 10),

		SignatureMaxEntries: getenvInt("BOTSENTRY_SIGNATURE_MAX_ENTRIES", 100000),
		SignatureTTL:         getenvDurationMinutes("BOTSENTRY_SIGNATURE_TTL_MINUTES", 30),
		SignatureHistory:     getenvInt("BOTSENTRY_SIGNATURE_HISTORY", 60),
		SignatureAlpha:       getenvFloat("BOTSENTRY_SIGNATURE_ALPHA", 0.3),

		EscalationQueueCapacity: getenvInt("BOTSENTRY_ESCALATION_QUEUE_CAPACITY", 256),

		FusionSaturation: getenvFloat("BOTSENTRY_FUSION_SATURATION", 3.0),
		FusionTopN:       getenvInt("BOTSENTRY_FUSION_TOPN", 3),

		DefaultDetectionPolicy: getenvString("BOTSENTRY_DEFAULT_DETECTION_POLICY", ""),
		DefaultActionPolicy:    getenvString("BOTSENTRY_DEFAULT_ACTION_POLICY", "logonly"),

		MetricsAddr: getenvString("BOTSENTRY_METRICS_ADDR", ":9090"),
		SQLitePath:  getenvString("BOTSENTRY_SQLITE_PATH", ""),
	}

	if secret := os.Getenv("BOTSENTRY_CHALLENGE_TOKEN_SECRET"); secret != "" {
		cfg.ChallengeTokenSecret = []byte(secret)
	}
	if secret := os.Getenv("BOTSENTRY_PII_DIGEST_SECRET"); secret != "" {
		cfg.PIIDigestSecret = []byte(secret)
	}

	return cfg, nil
}

// Orchestrator converts the env config into orchestrator.Config.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		ParallelWaveExecution:     c.OrchestratorParallelWaves,
		EnableQuorumExit:          c.OrchestratorQuorumExit,
		QuorumConfidenceThreshold: c.QuorumConfidenceThreshold,
		Timeout:                   c.OrchestratorTimeout,
		MaxConcurrentDetectors:    c.MaxConcurrentDetectors,
	}
}

// Signature converts the env config into signature.Config.
func (c *Config) Signature() signature.Config {
	return signature.Config{
		MaxEntries:  c.SignatureMaxEntries,
		TTL:         c.SignatureTTL,
		HistorySize: c.SignatureHistory,
		Alpha:       c.SignatureAlpha,
	}
}

// Evidence converts the env config into evidence.Config.
func (c *Config) Evidence() evidence.Config {
	return evidence.Config{
		Saturation: c.FusionSaturation,
		TopN:       c.FusionTopN,
	}
}

func getenvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDurationMS(key string, defMS int) time.Duration {
	return time.Duration(getenvInt(key, defMS)) * time.Millisecond
}

func getenvDurationMinutes(key string, defMinutes int) time.Duration {
	return time.Duration(getenvInt(key, defMinutes)) * time.Minute
}
