package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/cache"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/chat"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/config"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/llm"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pii"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/policy"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/safety"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway with chat, query API, and maintenance jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultSecret()

	if cfg.UpstreamAPIKey == "" {
		log.Warn().Msg("GUARD_UPSTREAM_API_KEY not set; upstream calls will fail. Set for production.")
	}

	firewall, err := pii.NewFirewall()
	if err != nil {
		return fmt.Errorf("pii firewall: %w", err)
	}

	classifier := safety.NewClassifier(cfg.UpstreamAPIKey, cfg.UpstreamBaseURL, cfg.GuardModel, cfg.ClassifierTimeout)

	policyEngine, err := policy.NewEngine(ctx, cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	answerCache := cache.New(cfg.CacheCapacity, cfg.CacheTTL)

	ledgerStore, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer ledgerStore.Close()

	provider := llm.NewGroqProvider(cfg.UpstreamAPIKey, cfg.UpstreamBaseURL)

	engine := pipeline.NewEngine(firewall, classifier, policyEngine, answerCache, ledgerStore, provider, cfg.ChatModel)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)
	users := auth.NewUserStore(auth.DefaultUsers())
	chatHandler := chat.NewHandler(verifier, engine, cfg.ChatRPM)

	srv := server.NewServer(verifier, users, engine, ledgerStore, chatHandler,
		server.WithCORSOrigins([]string{"*"}))

	// Maintenance: hourly cache sweep, nightly ledger retention.
	jobs := cron.New()
	_, err = jobs.AddFunc("@hourly", func() {
		if removed := answerCache.Sweep(); removed > 0 {
			log.Info().Int("removed", removed).Msg("cache sweep completed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling cache sweep: %w", err)
	}
	_, err = jobs.AddFunc("@daily", func() {
		cutoff := time.Now().AddDate(0, 0, -cfg.LedgerRetention)
		removed, err := ledgerStore.Purge(context.Background(), cutoff)
		if err != nil {
			log.Error().Err(err).Msg("ledger purge failed")
			return
		}
		if removed > 0 {
			log.Info().Int64("removed", removed).Msg("ledger purge completed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling ledger purge: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // chat sessions are long-lived; route timeouts cover the rest
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("chat_model", cfg.ChatModel).
		Str("guard_model", cfg.GuardModel).
		Msg("access guard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
