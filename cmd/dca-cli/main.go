// Command dca-cli provides CLI tools for interacting with a running
// settlement engine.
//
// # Commands
//
// deposit: Credit the account behind a token.
//
//	dca-cli deposit --engine=http://localhost:8080 --token=$TOKEN --amount=1000
//
// submit: Submit a recurring order. Parameters travel once over TLS and
// are encrypted at ingress; they never appear in any public view.
//
//	dca-cli submit --engine=http://localhost:8080 --token=$TOKEN \
//	    --amount=100 --budget=1000 --trades=10 --frequency=86400 \
//	    --min-price=1500 --max-price=2000
//
// withdraw: Initiate (or --cancel) a withdrawal.
//
// account: Display the authenticated account's lifecycle state.
//
// status: Display public engine status.
//
// monitor: Stream finalized batch results over the event feed.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
	"github.com/huaigu/DCA-FHE-BOT-sub001/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "deposit":
		err = runDeposit(args)
	case "submit":
		err = runSubmit(args)
	case "withdraw":
		err = runWithdraw(args)
	case "account":
		err = runAccount(args)
	case "status":
		err = runStatus(args)
	case "monitor":
		err = runMonitor(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dca-cli - CLI tools for the settlement engine

Usage:
  dca-cli <command> [options]

Commands:
  deposit   Credit the account behind a token
  submit    Submit a recurring order
  withdraw  Initiate or cancel a withdrawal
  account   Display the account's lifecycle state
  status    Display public engine status
  monitor   Stream finalized batch results

Run 'dca-cli <command> --help' for command-specific options.`)
}

func commonFlags(fs *flag.FlagSet) (engineURL, token *string) {
	engineURL = fs.String("engine", "http://localhost:8080", "Engine base URL")
	token = fs.String("token", os.Getenv("DCA_TOKEN"), "Bearer token (or DCA_TOKEN env)")
	return engineURL, token
}

func runDeposit(args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	engineURL, token := commonFlags(fs)
	amount := fs.String("amount", "", "Deposit amount in base units")
	fs.Parse(args)

	if *amount == "" {
		return fmt.Errorf("--amount is required")
	}

	var resp services.DepositResponse
	if err := call(http.MethodPost, *engineURL+"/api/deposit", *token,
		&services.DepositRequest{Amount: *amount}, &resp); err != nil {
		return err
	}

	fmt.Printf("Deposited %s, account is %s\n", *amount, resp.Lifecycle)
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	engineURL, token := commonFlags(fs)
	var (
		amount    = fs.String("amount", "", "Amount per trade in base units")
		budget    = fs.String("budget", "", "Total budget in base units")
		trades    = fs.String("trades", "", "Number of trades")
		frequency = fs.String("frequency", "86400", "Seconds between trades")
		minPrice  = fs.String("min-price", "0", "Minimum acceptable price")
		maxPrice  = fs.String("max-price", "", "Maximum acceptable price")
	)
	fs.Parse(args)

	for name, value := range map[string]string{
		"--amount": *amount, "--budget": *budget, "--trades": *trades, "--max-price": *maxPrice,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	var resp services.SubmitOrderResponse
	if err := call(http.MethodPost, *engineURL+"/api/orders", *token,
		&services.SubmitOrderRequest{
			Budget:         *budget,
			TradeCount:     *trades,
			AmountPerTrade: *amount,
			Frequency:      *frequency,
			MinPrice:       *minPrice,
			MaxPrice:       *maxPrice,
		}, &resp); err != nil {
		return err
	}

	fmt.Printf("Order %d submitted into batch %d\n", resp.OrderID, resp.BatchID)
	return nil
}

func runWithdraw(args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	engineURL, token := commonFlags(fs)
	cancel := fs.Bool("cancel", false, "Cancel the pending withdrawal instead")
	fs.Parse(args)

	if *cancel {
		if err := call(http.MethodDelete, *engineURL+"/api/withdrawals", *token, nil, nil); err != nil {
			return err
		}
		fmt.Println("Withdrawal cancelled")
		return nil
	}

	var resp services.WithdrawalResponse
	if err := call(http.MethodPost, *engineURL+"/api/withdrawals", *token, nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Withdrawal initiated, decryption request %d\n", resp.RequestID)
	fmt.Println("Payout lands once the keyholder answers; check 'dca-cli account'")
	return nil
}

func runAccount(args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	engineURL, token := commonFlags(fs)
	fs.Parse(args)

	var resp services.AccountResponse
	if err := call(http.MethodGet, *engineURL+"/api/account", *token, nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Owner:     %s\n", resp.Owner)
	fmt.Printf("Lifecycle: %s\n", resp.Lifecycle)
	if resp.PendingWithdrawal {
		fmt.Printf("Pending withdrawal, decryption request %d\n", resp.WithdrawalRequest)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	engineURL, _ := commonFlags(fs)
	fs.Parse(args)

	var resp services.StatusResponse
	if err := call(http.MethodGet, *engineURL+"/status", "", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Current batch: %d\n", resp.CurrentBatch)
	fmt.Printf("Batch size:    %d..%d\n", resp.MinBatchSize, resp.MaxBatchSize)
	fmt.Printf("Paused:        %v\n", resp.Paused)
	fmt.Printf("Automation:    %v\n", resp.AutomationOn)
	return nil
}

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	engineURL, _ := commonFlags(fs)
	fs.Parse(args)

	wsURL := strings.Replace(*engineURL, "http", "ws", 1) + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to event feed: %w", err)
	}
	defer conn.Close()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		conn.Close()
		os.Exit(0)
	}()

	fmt.Printf("Streaming batch results from %s\n", wsURL)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("event feed closed: %w", err)
		}

		var event services.BatchEvent
		if err := json.Unmarshal(payload, &event); err != nil || event.Result == nil {
			continue
		}
		printResult(event.Result)
	}
}

func printResult(result *protocol.BatchResult) {
	outcome := "settled"
	if !result.Success {
		outcome = "failed, contributions refunded"
	}
	fmt.Printf("[%s] batch %d %s: in=%s out=%s price=%s participants=%d\n",
		result.Timestamp.Format(time.RFC3339), result.BatchID, outcome,
		result.AggregateIn, result.AggregateOut, result.Price, result.ParticipantCount)
}

// call performs a JSON request and decodes the response into out when
// non-nil. Engine error bodies surface as plain messages.
func call(method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var engineErr services.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&engineErr) == nil && engineErr.Error != "" {
			return fmt.Errorf("%s (status %d)", engineErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
