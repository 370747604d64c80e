// Command engine runs the settlement engine with the user and admin API.
//
// The engine needs a running decryptd to verify at startup and a venue
// (or any compatible oracle and swap endpoint) for market data:
//
//	go run ./cmd/engine --config=engine.yaml
//	go run ./cmd/engine --keyholder=http://localhost:8082 --venue=http://localhost:8083 \
//	    --callback=http://localhost:8080 --admin-token=ops:secret
//
// # Configuration File
//
//	http_addr: ":8080"
//	keyholder_url: "http://localhost:8082"
//	venue_url: "http://localhost:8083"
//	callback_url: "http://localhost:8080"   # externally visible engine URL
//	admin_token: "ops:secret"
//	jwt_secret: "change-me"
//	trigger_interval: 1s
//	keys:
//	  vault_key: ""        # hex, must match decryptd's
//	attestation:
//	  use_tdx: false
//	  measurements_path: ""
//	engine:
//	  min_batch_size: 3
//	  max_batch_size: 10
//	  batch_timeout: 10m
//	postgres:
//	  host: ""             # empty keeps orders in memory
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/huaigu/DCA-FHE-BOT-sub001/cmd/common"
	"github.com/huaigu/DCA-FHE-BOT-sub001/services"
)

func main() {
	var (
		configPath       = flag.String("config", "", "Path to YAML config file")
		addr             = flag.String("addr", "", "HTTP listen address")
		keyholderURL     = flag.String("keyholder", "", "decryptd base URL")
		venueURL         = flag.String("venue", "", "Venue base URL")
		callbackURL      = flag.String("callback", "", "Externally visible engine base URL")
		adminToken       = flag.String("admin-token", "", "Admin token (user:pass)")
		jwtSecret        = flag.String("jwt-secret", "", "HMAC secret for user tokens")
		vaultKeyHex      = flag.String("vault-key", "", "Vault key (hex, must match decryptd)")
		useTDX           = flag.Bool("tdx", false, "Verify real TDX attestation")
		remoteTDXURL     = flag.String("tdx-url", "", "Remote DCAP verification service URL")
		measurementsPath = flag.String("measurements", "", "Path to pinned measurements YAML")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *keyholderURL != "" {
		cfg.KeyholderURL = *keyholderURL
	}
	if *venueURL != "" {
		cfg.VenueURL = *venueURL
	}
	if *callbackURL != "" {
		cfg.CallbackURL = *callbackURL
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = *jwtSecret
	}
	if *vaultKeyHex != "" {
		cfg.Keys.VaultKey = *vaultKeyHex
	}
	if *useTDX {
		cfg.Attestation.UseTDX = true
	}
	if *remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = *remoteTDXURL
	}
	if *measurementsPath != "" {
		cfg.Attestation.MeasurementsPath = *measurementsPath
	}

	if err := validateConfig(cfg); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			return
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func validateConfig(cfg *common.Config) error {
	if cfg.KeyholderURL == "" {
		return fmt.Errorf("keyholder_url is required (via --keyholder or config file)")
	}
	if cfg.VenueURL == "" {
		return fmt.Errorf("venue_url is required (via --venue or config file)")
	}
	if cfg.CallbackURL == "" {
		return fmt.Errorf("callback_url is required (via --callback or config file)")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if cfg.Keys.VaultKey == "" {
		return fmt.Errorf("keys.vault_key is required; the engine and decryptd share it")
	}
	return nil
}

func run(ctx context.Context, cfg *common.Config) error {
	vaultKey, err := common.LoadOrGenerateVaultKey(cfg.Keys.VaultKey)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}

	policy, err := common.LoadMeasurementPolicy(cfg.Attestation.MeasurementsPath)
	if err != nil {
		return err
	}
	provider := common.NewAttestationProvider(cfg.Attestation.UseTDX, cfg.Attestation.TDXRemoteURL)

	identity, err := fetchIdentityWithRetry(ctx, cfg.KeyholderURL)
	if err != nil {
		return fmt.Errorf("keyholder identity: %w", err)
	}

	verifier, err := services.NewAttestedVerifier(identity, provider, policy)
	if err != nil {
		return fmt.Errorf("keyholder attestation rejected: %w", err)
	}
	fmt.Printf("Keyholder identity verified: %s\n", verifier.KeyholderKey())

	core, err := services.NewCore(cfg.Engine, vaultKey,
		services.NewHTTPOracle(cfg.VenueURL),
		services.NewHTTPMarket(cfg.VenueURL),
		services.NewHTTPDecryptionService(cfg.KeyholderURL, cfg.CallbackURL+"/decryption-callback"),
		verifier)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := services.NewTokenAuthority([]byte(cfg.JWTSecret), 24*time.Hour)
	engine := services.NewEngineService(core, store, tokens, cfg.AdminToken)

	trigger := services.NewTriggerLoop(core.Engine, cfg.TriggerInterval, engine.Paused())
	engine.AttachTrigger(trigger)
	go trigger.Run(ctx)

	r := chi.NewRouter()
	engine.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		fmt.Printf("engine listening on %s\n", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	fmt.Println("Shutting down engine...")
	return httpServer.Shutdown(shutdownCtx)
}

// fetchIdentityWithRetry polls decryptd until it answers; in a fresh
// deployment the keyholder may still be booting.
func fetchIdentityWithRetry(ctx context.Context, keyholderURL string) (*services.AttestationResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		identity, err := services.FetchKeyholderIdentity(ctx, keyholderURL)
		if err == nil {
			return identity, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, lastErr
}

func openStore(cfg *common.Config) (services.Store, error) {
	if cfg.Postgres.Host == "" {
		fmt.Println("No postgres host configured, keeping orders in memory")
		return services.NewInMemoryStore(), nil
	}

	store, err := services.NewPostgresStore(&cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return store, nil
}
