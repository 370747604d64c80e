// Command venue runs the demo oracle and swap venue.
//
//	go run ./cmd/venue --addr=:8083 --price=1800
//
// Move the price or break swaps at runtime:
//
//	curl -X POST http://localhost:8083/admin/price -d '{"price":"2100"}'
//	curl -X POST http://localhost:8083/admin/fail-swaps -d '{"fail":true}'
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/huaigu/DCA-FHE-BOT-sub001/services"
)

func main() {
	var (
		addr  = flag.String("addr", ":8083", "HTTP listen address")
		price = flag.Int64("price", 1800, "Initial price in base units per asset unit")
	)
	flag.Parse()

	if *price <= 0 {
		fmt.Println("Configuration error: price must be positive")
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

	r := chi.NewRouter()
	services.NewVenueService(big.NewInt(*price)).RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("venue listening on %s (price=%d)\n", *addr, *price)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	fmt.Println("Shutting down venue...")
	httpServer.Shutdown(shutdownCtx)
}
