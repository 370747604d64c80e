package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/huaigu/DCA-FHE-BOT-sub001/crypto"
	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// ErrNotFound is returned for lookups of records the store never saw.
var ErrNotFound = errors.New("record not found")

// Store persists the engine's audit trail: orders (parameters stay
// ciphertext handles even at rest), finalized batch results and lifecycle
// transitions. All writes are append-only except the order flags.
type Store interface {
	SaveOrder(order *protocol.Order) error
	Order(id protocol.OrderID) (*protocol.Order, error)
	SaveBatchResult(result *protocol.BatchResult) error
	BatchResult(id protocol.BatchID) (*protocol.BatchResult, error)
	RecentBatchResults(limit int) ([]*protocol.BatchResult, error)
	SaveLifecycleEvent(owner string, from, to protocol.LifecycleState) error
	Close() error
}

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id BIGINT PRIMARY KEY,
		owner VARCHAR(256) NOT NULL,
		batch_id BIGINT NOT NULL,
		budget_handle VARCHAR(64) NOT NULL,
		trade_count_handle VARCHAR(64) NOT NULL,
		amount_per_trade_handle VARCHAR(64) NOT NULL,
		frequency_handle VARCHAR(64) NOT NULL,
		min_price_handle VARCHAR(64) NOT NULL,
		max_price_handle VARCHAR(64) NOT NULL,
		active BOOLEAN NOT NULL,
		processed BOOLEAN NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner);
	CREATE INDEX IF NOT EXISTS idx_orders_batch ON orders(batch_id);

	CREATE TABLE IF NOT EXISTS batch_results (
		batch_id BIGINT PRIMARY KEY,
		aggregate_in NUMERIC NOT NULL,
		aggregate_out NUMERIC NOT NULL,
		price NUMERIC NOT NULL,
		participant_count INT NOT NULL,
		success BOOLEAN NOT NULL,
		finalized_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id BIGSERIAL PRIMARY KEY,
		owner VARCHAR(256) NOT NULL,
		from_state VARCHAR(32) NOT NULL,
		to_state VARCHAR(32) NOT NULL,
		occurred_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_owner ON lifecycle_events(owner);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveOrder upserts an order row. Only the flags ever change after the
// first write.
func (s *PostgresStore) SaveOrder(order *protocol.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO orders
		(id, owner, batch_id, budget_handle, trade_count_handle, amount_per_trade_handle,
		 frequency_handle, min_price_handle, max_price_handle, active, processed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		active = EXCLUDED.active,
		processed = EXCLUDED.processed
	`

	_, err := s.db.ExecContext(ctx, query,
		int64(order.ID),
		order.Owner,
		int64(order.BatchID),
		order.Params.Budget.String(),
		order.Params.TradeCount.String(),
		order.Params.AmountPerTrade.String(),
		order.Params.Frequency.String(),
		order.Params.MinPrice.String(),
		order.Params.MaxPrice.String(),
		order.Active,
		order.Processed,
		order.CreatedAt,
	)
	return err
}

// Order retrieves an order row by id.
func (s *PostgresStore) Order(id protocol.OrderID) (*protocol.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, batch_id, budget_handle, trade_count_handle, amount_per_trade_handle,
		       frequency_handle, min_price_handle, max_price_handle, active, processed, created_at
		FROM orders WHERE id = $1
	`, int64(id))

	var (
		order   protocol.Order
		handles [6]string
	)
	err := row.Scan(&order.ID, &order.Owner, &order.BatchID,
		&handles[0], &handles[1], &handles[2], &handles[3], &handles[4], &handles[5],
		&order.Active, &order.Processed, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	targets := []*crypto.Handle{
		&order.Params.Budget, &order.Params.TradeCount, &order.Params.AmountPerTrade,
		&order.Params.Frequency, &order.Params.MinPrice, &order.Params.MaxPrice,
	}
	for i, target := range targets {
		parsed, err := crypto.NewHandleFromString(handles[i])
		if err != nil {
			return nil, fmt.Errorf("scanning handle %d: %w", i, err)
		}
		*target = parsed
	}

	return &order, nil
}

// SaveBatchResult persists a finalized batch result.
func (s *PostgresStore) SaveBatchResult(result *protocol.BatchResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO batch_results
		(batch_id, aggregate_in, aggregate_out, price, participant_count, success, finalized_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (batch_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		int64(result.BatchID),
		result.AggregateIn.String(),
		result.AggregateOut.String(),
		result.Price.String(),
		result.ParticipantCount,
		result.Success,
		result.Timestamp,
	)
	return err
}

// BatchResult retrieves a finalized batch result by id.
func (s *PostgresStore) BatchResult(id protocol.BatchID) (*protocol.BatchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, aggregate_in, aggregate_out, price, participant_count, success, finalized_at
		FROM batch_results WHERE batch_id = $1
	`, int64(id))

	return scanBatchResult(row.Scan)
}

// RecentBatchResults retrieves the most recently finalized results.
func (s *PostgresStore) RecentBatchResults(limit int) ([]*protocol.BatchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, aggregate_in, aggregate_out, price, participant_count, success, finalized_at
		FROM batch_results ORDER BY batch_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*protocol.BatchResult
	for rows.Next() {
		result, err := scanBatchResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func scanBatchResult(scan func(...interface{}) error) (*protocol.BatchResult, error) {
	var (
		result                 protocol.BatchResult
		aggIn, aggOut, priceStr string
	)
	err := scan(&result.BatchID, &aggIn, &aggOut, &priceStr,
		&result.ParticipantCount, &result.Success, &result.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var ok bool
	if result.AggregateIn, ok = new(big.Int).SetString(aggIn, 10); !ok {
		return nil, fmt.Errorf("bad aggregate_in %q", aggIn)
	}
	if result.AggregateOut, ok = new(big.Int).SetString(aggOut, 10); !ok {
		return nil, fmt.Errorf("bad aggregate_out %q", aggOut)
	}
	if result.Price, ok = new(big.Int).SetString(priceStr, 10); !ok {
		return nil, fmt.Errorf("bad price %q", priceStr)
	}
	return &result, nil
}

// SaveLifecycleEvent appends a lifecycle transition row.
func (s *PostgresStore) SaveLifecycleEvent(owner string, from, to protocol.LifecycleState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO lifecycle_events (owner, from_state, to_state) VALUES ($1, $2, $3)",
		owner, string(from), string(to))
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InMemoryStore implements Store for testing without a database.
type InMemoryStore struct {
	mu      sync.Mutex
	orders  map[protocol.OrderID]*protocol.Order
	results map[protocol.BatchID]*protocol.BatchResult
	events  []lifecycleEvent
}

type lifecycleEvent struct {
	Owner string
	From  protocol.LifecycleState
	To    protocol.LifecycleState
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:  make(map[protocol.OrderID]*protocol.Order),
		results: make(map[protocol.BatchID]*protocol.BatchResult),
	}
}

// SaveOrder stores an order in memory.
func (s *InMemoryStore) SaveOrder(order *protocol.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *order
	s.orders[order.ID] = &snapshot
	return nil
}

// Order retrieves a stored order.
func (s *InMemoryStore) Order(id protocol.OrderID) (*protocol.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *order
	return &snapshot, nil
}

// SaveBatchResult stores a batch result in memory.
func (s *InMemoryStore) SaveBatchResult(result *protocol.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.BatchID]; !exists {
		snapshot := *result
		s.results[result.BatchID] = &snapshot
	}
	return nil
}

// BatchResult retrieves a stored batch result.
func (s *InMemoryStore) BatchResult(id protocol.BatchID) (*protocol.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *result
	return &snapshot, nil
}

// RecentBatchResults returns stored results, newest batch first.
func (s *InMemoryStore) RecentBatchResults(limit int) ([]*protocol.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*protocol.BatchResult, 0, len(s.results))
	for _, result := range s.results {
		snapshot := *result
		results = append(results, &snapshot)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].BatchID > results[j].BatchID })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SaveLifecycleEvent appends a lifecycle transition.
func (s *InMemoryStore) SaveLifecycleEvent(owner string, from, to protocol.LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, lifecycleEvent{Owner: owner, From: from, To: to})
	return nil
}

// LifecycleEvents returns the transitions recorded for an owner.
func (s *InMemoryStore) LifecycleEvents(owner string) []lifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []lifecycleEvent
	for _, ev := range s.events {
		if ev.Owner == owner {
			out = append(out, ev)
		}
	}
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
