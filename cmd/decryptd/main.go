// Command decryptd runs the keyholder service. It holds the vault key,
// opens sealed values on request, and signs results with a key bound
// into its attestation quote.
//
//	go run ./cmd/decryptd --addr=:8082 --vault-key=<hex>
//	go run ./cmd/decryptd --config=decryptd.yaml --tdx
//
// The engine fetches /attestation at startup and pins the signing key it
// finds there; restart the engine after rotating decryptd's keys.
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
		configPath    = flag.String("config", "", "Path to YAML config file")
		addr          = flag.String("addr", "", "HTTP listen address")
		vaultKeyHex   = flag.String("vault-key", "", "Vault key (hex, must match the engine)")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		useTDX        = flag.Bool("tdx", false, "Attest with real TDX hardware")
		remoteTDXURL  = flag.String("tdx-url", "", "Remote DCAP attestation service URL")
	)
	flag.Parse()

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = common.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.HTTPAddr = firstNonEmpty(*addr, cfg.HTTPAddr, ":8082")
	if *vaultKeyHex != "" {
		cfg.Keys.VaultKey = *vaultKeyHex
	}
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	if *useTDX {
		cfg.Attestation.UseTDX = true
	}
	if *remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = *remoteTDXURL
	}

	if cfg.Keys.VaultKey == "" {
		fmt.Println("Configuration error: keys.vault_key is required; the engine and decryptd share it")
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func run(ctx context.Context, cfg *common.Config) error {
	vaultKey, err := common.LoadOrGenerateVaultKey(cfg.Keys.VaultKey)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	provider := common.NewAttestationProvider(cfg.Attestation.UseTDX, cfg.Attestation.TDXRemoteURL)
	keyholder, err := services.NewKeyholderService(vaultKey, signingKey, provider)
	if err != nil {
		return fmt.Errorf("keyholder: %w", err)
	}
	fmt.Printf("decryptd signing key: %s\n", keyholder.PublicKey())

	r := chi.NewRouter()
	keyholder.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		fmt.Printf("decryptd listening on %s\n", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	fmt.Println("Shutting down decryptd...")
	return httpServer.Shutdown(shutdownCtx)
}
