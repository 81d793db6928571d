package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/faxbot/faxbot/pkg/api"
	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/document"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/observability"
	"github.com/faxbot/faxbot/pkg/provider"
	"github.com/faxbot/faxbot/pkg/provider/ami"
	"github.com/faxbot/faxbot/pkg/retention"
	"github.com/faxbot/faxbot/pkg/storage"
	"github.com/faxbot/faxbot/pkg/store"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; exported for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(stderr)
	case "apikey":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: faxbot apikey <create|list|revoke>")
			return 2
		}
		return runAPIKeyCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "faxbot %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: faxbot <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve     Run the fax gateway (default)")
	_, _ = fmt.Fprintln(w, "  apikey    Manage API keys (create/list/revoke)")
	_, _ = fmt.Fprintln(w, "  migrate   Apply database migrations and exit")
	_, _ = fmt.Fprintln(w, "  health    Check server health over HTTP")
	_, _ = fmt.Fprintln(w, "  version   Show version information")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	log := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "opening database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrating database: %v\n", err)
		return 1
	}

	jobStore := store.NewJobStore(db)
	inboundStore := store.NewInboundStore(db)
	keyStore := store.NewKeyStore(db)
	dedupStore := store.NewDedupStore(db)
	mailboxStore := store.NewMailboxStore(db)

	files, err := storage.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuring storage: %v\n", err)
		return 1
	}

	auditLog := audit.NewNopLogger()
	if cfg.AuditLogEnabled {
		auditLog = audit.NewLogger()
	}

	var limiterStore auth.LimiterStore
	if cfg.RateLimitRedisURL != "" {
		limiterStore, err = auth.NewRedisLimiterStore(cfg.RateLimitRedisURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "connecting rate-limit redis: %v\n", err)
			return 1
		}
	} else {
		limiterStore = auth.NewMemoryLimiterStore()
	}
	limiter := auth.NewRateLimiter(limiterStore, map[string]int{
		auth.ClassSend:        cfg.MaxRequestsPerMinute,
		auth.ClassStatus:      cfg.MaxRequestsPerMinute,
		auth.ClassInboundList: cfg.InboundListRPM,
		auth.ClassInboundGet:  cfg.InboundGetRPM,
		auth.ClassAdmin:       cfg.AdminRPM,
	})

	conv := document.NewConverter(cfg.GhostscriptBin, cfg.TIFF2PDFBin, cfg.ConvertTimeout)

	var amiClient *ami.Client
	if cfg.Backend == fax.BackendSIP {
		amiClient = ami.NewClient(cfg.AMIHost, cfg.AMIPort, cfg.AMIUsername, cfg.AMIPassword,
			cfg.AMICommandTimeout, log)
		amiClient.Start(ctx)
		defer amiClient.Close()
	}

	backend, err := provider.New(cfg, amiClient)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuring fax backend: %v\n", err)
		return 1
	}

	jobs := fax.NewService(cfg, jobStore, dedupStore, files, conv, backend, auditLog,
		auth.NewOpaqueToken, log)

	fetcher, _ := backend.(fax.MediaFetcher)
	inbound := fax.NewInboundService(cfg, inboundStore, dedupStore, mailboxStore, files, conv,
		fetcher, auditLog, auth.NewOpaqueToken, log)

	// The PBX path reports results over the control connection rather than
	// webhooks; feed them into the same state machine.
	if sipBackend, ok := backend.(*provider.SIP); ok {
		go consumePBXResults(ctx, sipBackend, jobs, log)
	}

	sweeper := retention.NewSweeper(cfg, jobStore, inboundStore, dedupStore, files, log)
	go sweeper.Run(ctx)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "faxbot",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTELEnabled,
		Insecure:       true,
	})
	if err != nil {
		log.Warn("tracing not available", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	resolver := auth.NewResolver(keyStore, cfg.BootstrapAPIKey, cfg.RequireAPIKey)
	server := api.NewServer(cfg, resolver, limiter, auditLog, jobs, inbound, keyStore, backend, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("faxbot listening", "port", cfg.Port, "backend", cfg.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
		return 0
	}
}

// consumePBXResults applies AMI fax results to the job state machine.
func consumePBXResults(ctx context.Context, sip *provider.SIP, jobs *fax.Service, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-sip.Results():
			status := fax.StatusFailed
			if res.Status == "SUCCESS" {
				status = fax.StatusSuccess
			}
			ev := &fax.CallbackEvent{
				ProviderSID: "ami:" + res.JobID,
				EventType:   "pbx_result",
				Status:      status,
				Pages:       res.Pages,
				Error:       res.Error,
			}
			if err := jobs.HandleJobResult(ctx, res.JobID, ev); err != nil {
				log.Warn("pbx result not applied", "job_id", res.JobID, "error", err)
			}
		}
	}
}

func runMigrateCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "opening database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrating database: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	return 0
}

func runAPIKeyCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "create":
		return runAPIKeyCreate(args[1:], stdout, stderr)
	case "list":
		return runAPIKeyList(stdout, stderr)
	case "revoke":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: faxbot apikey revoke <key-id>")
			return 2
		}
		return runAPIKeyRevoke(args[1], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown apikey subcommand: %s\n", args[0])
		return 2
	}
}

func openKeyStore(stderr io.Writer) (*store.DB, *store.KeyStore, int) {
	cfg := config.Load()
	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "opening database: %v\n", err)
		return nil, nil, 1
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		_, _ = fmt.Fprintf(stderr, "migrating database: %v\n", err)
		return nil, nil, 1
	}
	return db, store.NewKeyStore(db), 0
}

func runAPIKeyCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("apikey create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		name   string
		owner  string
		scopes string
	)
	cmd.StringVar(&name, "name", "", "Display name for the key")
	cmd.StringVar(&owner, "owner", "", "Owner of the key")
	cmd.StringVar(&scopes, "scopes", auth.ScopeFaxSend+","+auth.ScopeFaxRead, "Comma-separated scopes")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	db, keys, code := openKeyStore(stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = db.Close() }()

	token, keyID, secret, err := auth.MintToken()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "minting token: %v\n", err)
		return 1
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "hashing secret: %v\n", err)
		return 1
	}
	key := &fax.APIKey{
		KeyID:     keyID,
		KeyHash:   hash,
		Name:      name,
		Owner:     owner,
		Scopes:    strings.Split(scopes, ","),
		CreatedAt: time.Now(),
	}
	if err := keys.Create(context.Background(), key); err != nil {
		_, _ = fmt.Fprintf(stderr, "storing key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "key_id: %s\ntoken:  %s\n", keyID, token)
	_, _ = fmt.Fprintln(stdout, "Store the token now; it will not be shown again.")
	return 0
}

func runAPIKeyList(stdout, stderr io.Writer) int {
	db, keys, code := openKeyStore(stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = db.Close() }()

	list, err := keys.List(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "listing keys: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(list)
	return 0
}

func runAPIKeyRevoke(keyID string, stdout, stderr io.Writer) int {
	db, keys, code := openKeyStore(stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = db.Close() }()

	if err := keys.Revoke(context.Background(), keyID, time.Now()); err != nil {
		_, _ = fmt.Fprintf(stderr, "revoking key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "revoked %s\n", keyID)
	return 0
}
