package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/greywing/botsentry/internal/action"
	"github.com/greywing/botsentry/internal/config"
	"github.com/greywing/botsentry/internal/detect"
	"github.com/greywing/botsentry/internal/detect/builtin"
	"github.com/greywing/botsentry/internal/escalate"
	"github.com/greywing/botsentry/internal/evidence"
	"github.com/greywing/botsentry/internal/hydrate"
	"github.com/greywing/botsentry/internal/loadshed"
	"github.com/greywing/botsentry/internal/logging"
	"github.com/greywing/botsentry/internal/orchestrator"
	"github.com/greywing/botsentry/internal/pack"
	"github.com/greywing/botsentry/internal/pii"
	"github.com/greywing/botsentry/internal/signature"
	"github.com/greywing/botsentry/internal/telemetry"
)

var (
	envFile string
	addr    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot-detection engine as an HTTP middleware behind a reverse proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file of BOTSENTRY_* settings")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address for the scoring endpoint")
}

func runServe() error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogDev, logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := config.NewWatcher(envFile, cfg, func(next *config.Config) {
		log.Info().Msg("configuration reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to start config watcher, .env changes will require a restart")
	} else {
		defer watcher.Stop()
	}

	registry := buildDetectorRegistry()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	sampler := loadshed.NewSampler(loadshed.DefaultConfig(runtime.NumCPU()))
	go sampler.Run(ctx)
	defer sampler.Stop()

	orch := orchestrator.New(registry, cfg.Orchestrator(), quorumFuse)

	var persister signature.Persister
	if cfg.SQLitePath != "" {
		store, err := signature.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open signature store, continuing without persistence")
		} else {
			persister = store
			defer store.Close()
		}
	}
	sigCoordinator := signature.New(cfg.Signature(), persister)

	escalator := escalate.New(cfg.EscalationQueueCapacity)

	actions := action.NewRegistry()
	applyChallengeTokenSecret(actions, cfg.ChallengeTokenSecret)
	dispatcher := action.NewDispatcher()

	engine := &pack.Engine{
		Hydrator:     hydrate.New(),
		Registry:     registry,
		Orchestrator: orch,
		Aggregator:   cfg.Evidence(),
		Signatures:   sigCoordinator,
		Escalator:    escalator,
		Actions:      actions,
		Dispatcher:   dispatcher,
		Digester:     pii.NewDigester(cfg.PIIDigestSecret),
		Metrics:      metrics,
		LoadSampler:  sampler,

		DetectionPolicyName: cfg.DefaultDetectionPolicy,
		DefaultActionPolicy: cfg.DefaultActionPolicy,
		ActionMapping: pack.ActionMapping{
			evidence.RiskVeryHigh: "block",
			evidence.RiskHigh:     "block-soft",
			evidence.RiskMedium:   "throttle",
			evidence.RiskElevated: "challenge",
			evidence.RiskLow:      "logonly",
			evidence.RiskVeryLow:  "logonly",
			evidence.RiskVerified: "logonly",
			evidence.RiskUnknown:  "logonly",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		out := engine.Handle(r.Context(), w, r)
		log.Debug().
			Str("risk", string(out.Evidence.RiskBand)).
			Float64("probability", out.Evidence.BotProbability).
			Bool("continue", out.Action.Continue).
			Msg("request scored")
	})
	mux.HandleFunc("/escalations/ws", escalationsWebsocketHandler(escalator))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	startMetricsServer(ctx, cfg.MetricsAddr, reg)

	go func() {
		log.Info().Str("addr", addr).Msg("botsentry scoring endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("scoring endpoint stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// quorumFuse computes a simple weighted-average confidence across
// contributions seen so far, feeding the orchestrator's quorum early-exit
// check (spec.md §4.6).
func quorumFuse(contributions []detect.Contribution) float64 {
	var weighted, totalWeight float64
	for _, c := range contributions {
		weighted += c.ConfidenceDelta * c.Weight
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return 0
	}
	v := weighted / totalWeight
	if v < 0 {
		v = -v
	}
	if v > 1 {
		v = 1
	}
	return v
}

// buildDetectorRegistry assembles the built-in detector set (spec.md's
// end-to-end scenarios reference ip_analyser, ua_analyser, header_checker,
// honeypot_lookup, and verified_bot_checker by name).
func buildDetectorRegistry() *detect.Registry {
	registry := detect.NewRegistry()

	ranges := builtin.NewChainRangeProvider(
		builtin.NewStaticRangeProvider("aws", awsDatacenterRanges),
		builtin.NewStaticRangeProvider("gcp", gcpDatacenterRanges),
	)
	registry.Register(builtin.NewIPAnalyser(ranges, 0.6, 1.0), detect.Metadata{
		Priority: 100, Timeout: 50 * time.Millisecond, Enabled: true,
	})

	registry.Register(builtin.NewUAAnalyser(0.6, 0.7, 0.3, 1.0), detect.Metadata{
		Priority: 90, Timeout: 50 * time.Millisecond, Enabled: true,
	})

	registry.Register(builtin.NewHeaderChecker(0.3, 0.4, 1.0), detect.Metadata{
		Priority: 80, Timeout: 50 * time.Millisecond, Enabled: true,
	})

	// honeypot_lookup and verified_bot_checker depend on an external
	// reputation feed and DNS resolution respectively, both already guarded
	// by a circuit breaker (internal/reliability). Marking them Optional
	// means a breaker-open or timed-out lookup degrades to "no contribution"
	// instead of aborting the whole detection pass the way a failed core
	// heuristic (ip_analyser, ua_analyser, header_checker) does.
	honeypotCache := builtin.NewHoneypotCache(noopReputationSource{}, 10*time.Minute)
	registry.Register(builtin.NewHoneypotLookup(honeypotCache, 80), detect.Metadata{
		Priority: 70, Timeout: 200 * time.Millisecond, Enabled: true, Optional: true, AccessesPII: true,
	})

	resolver := &dnscache.Resolver{}
	registry.Register(builtin.NewVerifiedBotChecker(resolver, []builtin.KnownGoodBot{
		{UAKeyword: "googlebot", HostnameSuffix: ".googlebot.com", BotName: "Googlebot"},
		{UAKeyword: "bingbot", HostnameSuffix: ".search.msn.com", BotName: "Bingbot"},
	}), detect.Metadata{
		Priority: 110, Timeout: 300 * time.Millisecond, Enabled: true, Optional: true, AccessesPII: true,
	})

	return registry
}

// challengePolicyNames are every built-in Challenge-type policy (spec.md
// §4.10); each needs the deployment's HMAC secret before IssueChallengeToken
// produces a verifiable cookie.
var challengePolicyNames = []string{"challenge", "challenge-captcha", "challenge-js", "challenge-pow"}

func applyChallengeTokenSecret(actions *action.Registry, secret []byte) {
	if len(secret) == 0 {
		return
	}
	for _, name := range challengePolicyNames {
		p, ok := actions.Get(name)
		if !ok {
			continue
		}
		p.Challenge.TokenSecret = secret
		actions.Register(p)
	}
}

// noopReputationSource is the default reputation backend when no external
// threat-intel feed is configured: every IP comes back clean. Operators
// wire a real ReputationSource (spec.md §4.5 HoneypotLookup) in by
// replacing this at startup.
type noopReputationSource struct{}

func (noopReputationSource) Lookup(ctx context.Context, ip net.IP) (builtin.Reputation, error) {
	return builtin.Reputation{}, nil
}

func escalationsWebsocketHandler(escalator *escalate.Escalator) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("escalation websocket upgrade failed")
			return
		}
		name := escalate.NewSignalID()
		sub := escalate.NewWebsocketSubscriber(name, conn)
		escalator.Subscribe(sub)

		// Block until the client disconnects, then unsubscribe; a dashboard
		// feed otherwise never tells the Escalator it went away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				escalator.Unsubscribe(name)
				sub.Close()
				return
			}
		}
	}
}

func startMetricsServer(ctx context.Context, metricsAddr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         metricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics server shutdown failed")
		}
	}()

	go func() {
		log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped unexpectedly")
		}
	}()
}
