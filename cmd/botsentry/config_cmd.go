package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greywing/botsentry/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Show and validate botsentry's BOTSENTRY_* environment configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		fmt.Printf("log_level:                  %s\n", cfg.LogLevel)
		fmt.Printf("log_dev:                    %t\n", cfg.LogDev)
		fmt.Printf("orch_parallel_waves:        %t\n", cfg.OrchestratorParallelWaves)
		fmt.Printf("orch_quorum_exit:           %t\n", cfg.OrchestratorQuorumExit)
		fmt.Printf("orch_quorum_threshold:      %.2f\n", cfg.QuorumConfidenceThreshold)
		fmt.Printf("orch_timeout:               %s\n", cfg.OrchestratorTimeout)
		fmt.Printf("orch_max_concurrent:        %d\n", cfg.MaxConcurrentDetectors)
		fmt.Printf("signal_max_capacity:        %d\n", cfg.SignalMaxCapacity)
		fmt.Printf("signal_retention_minutes:   %d\n", cfg.SignalRetentionMinutes)
		fmt.Printf("signature_max_entries:      %d\n", cfg.SignatureMaxEntries)
		fmt.Printf("signature_ttl:              %s\n", cfg.SignatureTTL)
		fmt.Printf("signature_history:          %d\n", cfg.SignatureHistory)
		fmt.Printf("signature_alpha:            %.2f\n", cfg.SignatureAlpha)
		fmt.Printf("escalation_queue_capacity:  %d\n", cfg.EscalationQueueCapacity)
		fmt.Printf("fusion_saturation:          %.2f\n", cfg.FusionSaturation)
		fmt.Printf("fusion_topn:                %d\n", cfg.FusionTopN)
		fmt.Printf("default_detection_policy:   %s\n", cfg.DefaultDetectionPolicy)
		fmt.Printf("default_action_policy:      %s\n", cfg.DefaultActionPolicy)
		fmt.Printf("metrics_addr:               %s\n", cfg.MetricsAddr)
		fmt.Printf("sqlite_path:                %s\n", cfg.SQLitePath)
		fmt.Printf("challenge_token_secret_set: %t\n", len(cfg.ChallengeTokenSecret) > 0)
		fmt.Printf("pii_digest_secret_set:      %t\n", len(cfg.PIIDigestSecret) > 0)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
