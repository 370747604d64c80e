package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/tdx"
)

// Core bundles the wired protocol components behind one constructor so
// the service layer and the orchestrator build them the same way.
type Core struct {
	Config      *protocol.EngineConfig
	Vault       *crypto.Vault
	Ledger      *protocol.MemoryLedger
	Registry    *protocol.IntentRegistry
	Router      *protocol.DecryptionRouter
	Engine      *protocol.SettlementEngine
	Withdrawals *protocol.WithdrawalCoordinator
}

// NewCore wires the protocol core over the given collaborators.
func NewCore(cfg *protocol.EngineConfig, vaultKey crypto.VaultKey,
	oracle protocol.PriceOracle, market protocol.MarketRouter,
	decryption protocol.DecryptionService, verifier protocol.FulfillmentVerifier) (*Core, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	vault, err := crypto.NewVault(vaultKey)
	if err != nil {
		return nil, err
	}

	ledger := protocol.NewMemoryLedger(vault)
	registry := protocol.NewIntentRegistry(cfg, vault, ledger)
	router := protocol.NewDecryptionRouter(decryption, verifier, vault)
	engine := protocol.NewSettlementEngine(cfg, vault, registry, ledger, oracle, market, router)
	withdrawals := protocol.NewWithdrawalCoordinator(cfg, ledger, registry, router)

	return &Core{
		Config:      cfg,
		Vault:       vault,
		Ledger:      ledger,
		Registry:    registry,
		Router:      router,
		Engine:      engine,
		Withdrawals: withdrawals,
	}, nil
}

// OrchestratorConfig configures a local three-service deployment.
type OrchestratorConfig struct {
	EngineAddr    string
	KeyholderAddr string
	VenueAddr     string

	EngineConfig    *protocol.EngineConfig
	AdminToken      string
	JWTSecret       []byte
	InitialPrice    *big.Int
	TriggerInterval time.Duration
}

// Orchestrator boots engine, keyholder and venue in one process for
// demos and end-to-end runs. Production deployments run the three
// binaries under cmd/ instead; the orchestrator exists so the full
// decrypt-then-continue loop can be exercised without infrastructure.
type Orchestrator struct {
	config *OrchestratorConfig

	Engine    *EngineService
	Keyholder *KeyholderService
	Venue     *VenueService
	Trigger   *TriggerLoop
	Store     *InMemoryStore
	Tokens    *TokenAuthority

	servers []*http.Server
}

// NewOrchestrator wires all three services. The keyholder attests with
// the dummy provider; real TDX only makes sense across machine
// boundaries.
func NewOrchestrator(config *OrchestratorConfig) (*Orchestrator, error) {
	if config.EngineConfig == nil {
		config.EngineConfig = protocol.DefaultEngineConfig()
	}
	if config.InitialPrice == nil || config.InitialPrice.Sign() <= 0 {
		return nil, errors.New("initial price must be positive")
	}

	vaultKey, err := crypto.NewVaultKey()
	if err != nil {
		return nil, err
	}
	_, signingKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	provider := &tdx.DummyProvider{}
	keyholder, err := NewKeyholderService(vaultKey, signingKey, provider)
	if err != nil {
		return nil, fmt.Errorf("keyholder: %w", err)
	}

	venue := NewVenueService(config.InitialPrice)

	engineURL := "http://" + config.EngineAddr
	keyholderURL := "http://" + config.KeyholderAddr
	venueURL := "http://" + config.VenueAddr

	verifier, err := NewAttestedVerifier(&AttestationResponse{
		PublicKey:   keyholder.PublicKey().String(),
		Attestation: keyholder.attestation,
	}, provider, nil)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}

	core, err := NewCore(config.EngineConfig, vaultKey,
		NewHTTPOracle(venueURL),
		NewHTTPMarket(venueURL),
		NewHTTPDecryptionService(keyholderURL, engineURL+"/decryption-callback"),
		verifier)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	store := NewInMemoryStore()
	tokens := NewTokenAuthority(config.JWTSecret, 24*time.Hour)
	engine := NewEngineService(core, store, tokens, config.AdminToken)

	interval := config.TriggerInterval
	if interval <= 0 {
		interval = time.Second
	}
	trigger := NewTriggerLoop(core.Engine, interval, engine.Paused())
	engine.AttachTrigger(trigger)

	return &Orchestrator{
		config:    config,
		Engine:    engine,
		Keyholder: keyholder,
		Venue:     venue,
		Trigger:   trigger,
		Store:     store,
		Tokens:    tokens,
	}, nil
}

// Start boots the three HTTP servers and the trigger loop, then returns.
// Shutdown happens when the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.serve(o.config.VenueAddr, o.Venue.RegisterRoutes)
	o.serve(o.config.KeyholderAddr, o.Keyholder.RegisterRoutes)
	o.serve(o.config.EngineAddr, o.Engine.RegisterRoutes)

	go o.Trigger.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range o.servers {
			srv.Shutdown(shutdownCtx)
		}
	}()

	return nil
}

func (o *Orchestrator) serve(addr string, register func(chi.Router)) {
	r := chi.NewRouter()
	register(r)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	o.servers = append(o.servers, srv)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("orchestrator: server on %s: %v", addr, err)
		}
	}()
}
