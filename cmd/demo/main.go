// Command demo boots the engine, decryptd and the venue in one process
// for local end-to-end runs. Keys are generated fresh on every start and
// attestation uses the dummy provider; nothing here is durable.
//
//	go run ./cmd/demo
//	go run ./cmd/demo --min-batch=3 --price=1800 --admin-token=ops:secret
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/services"
)

func main() {
	var (
		engineAddr    = flag.String("engine-addr", "localhost:8080", "Engine listen address")
		keyholderAddr = flag.String("keyholder-addr", "localhost:8082", "decryptd listen address")
		venueAddr     = flag.String("venue-addr", "localhost:8083", "Venue listen address")
		adminToken    = flag.String("admin-token", "ops:demo", "Admin token (user:pass)")
		jwtSecret     = flag.String("jwt-secret", "demo-secret", "HMAC secret for user tokens")
		price         = flag.Int64("price", 1800, "Initial venue price")
		minBatch      = flag.Int("min-batch", 3, "Minimum batch size")
		maxBatch      = flag.Int("max-batch", 10, "Maximum batch size")
		batchTimeout  = flag.Duration("batch-timeout", time.Minute, "Batch timeout")
	)
	flag.Parse()

	engineConfig := protocol.DefaultEngineConfig()
	engineConfig.MinBatchSize = *minBatch
	engineConfig.MaxBatchSize = *maxBatch
	engineConfig.BatchTimeout = *batchTimeout

	orchestrator, err := services.NewOrchestrator(&services.OrchestratorConfig{
		EngineAddr:      *engineAddr,
		KeyholderAddr:   *keyholderAddr,
		VenueAddr:       *venueAddr,
		EngineConfig:    engineConfig,
		AdminToken:      *adminToken,
		JWTSecret:       []byte(*jwtSecret),
		InitialPrice:    big.NewInt(*price),
		TriggerInterval: time.Second,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
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

	if err := orchestrator.Start(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("engine    http://%s\n", *engineAddr)
	fmt.Printf("decryptd  http://%s\n", *keyholderAddr)
	fmt.Printf("venue     http://%s\n", *venueAddr)
	fmt.Printf("admin     %s\n", *adminToken)

	<-ctx.Done()
	fmt.Println("Shutting down...")
	// Orchestrator shutdown runs on context cancellation.
	time.Sleep(time.Second)
}
