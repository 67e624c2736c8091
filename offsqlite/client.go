// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xtm888/medflow-clinic-sub001/offsync"
)

// Client bundles the offline layer for one clinic workstation: the
// local cache, the mutation queue, the offline wrapper feature services
// call, the sync engine and the conflict resolver, all over a single
// SQLite database file that survives restarts.
type Client struct {
	DB       *sql.DB
	Store    *Store
	Queue    *Queue
	Wrapper  *Wrapper
	Engine   *Engine
	Resolver *Resolver

	conn   offsync.ConnectivityProvider
	clock  offsync.Clock
	config *offsync.Config
	logger *slog.Logger
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	clock   offsync.Clock
	logger  *slog.Logger
	metrics offsync.MetricsRecorder
}

// WithClock injects a clock; tests use offsync.FakeClock.
func WithClock(clock offsync.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics injects a sync metrics recorder.
func WithMetrics(m offsync.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// NewClient initializes the sync database schema and wires the offline
// layer. tok supplies the bearer token for backend calls.
func NewClient(db *sql.DB, baseURL string, tok func(ctx context.Context) (string, error), conn offsync.ConnectivityProvider, config *offsync.Config, opts ...Option) (*Client, error) {
	if config == nil {
		config = offsync.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity provider cannot be nil")
	}

	o := &options{
		clock:   offsync.SystemClock{},
		logger:  slog.Default(),
		metrics: offsync.NopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize sync database: %w", err)
	}

	transport := NewHTTPTransport(baseURL, tok, config.NetworkTimeout.Std())
	return newClient(db, transport, conn, config, o), nil
}

// NewClientWithTransport wires a client over a caller-supplied transport
// (tests, non-HTTP backends).
func NewClientWithTransport(db *sql.DB, transport Transport, conn offsync.ConnectivityProvider, config *offsync.Config, opts ...Option) (*Client, error) {
	if config == nil {
		config = offsync.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity provider cannot be nil")
	}

	o := &options{
		clock:   offsync.SystemClock{},
		logger:  slog.Default(),
		metrics: offsync.NopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize sync database: %w", err)
	}
	return newClient(db, transport, conn, config, o), nil
}

func newClient(db *sql.DB, transport Transport, conn offsync.ConnectivityProvider, config *offsync.Config, o *options) *Client {
	store := NewStore(db)
	queue := NewQueue(db, o.clock)
	resolver := NewResolver(db, store, queue, o.clock, o.logger)
	engine := NewEngine(db, store, queue, transport, resolver, o.clock, config, o.metrics, o.logger)
	wrapper := NewWrapper(store, queue, conn, o.clock, config, o.logger)

	return &Client{
		DB:       db,
		Store:    store,
		Queue:    queue,
		Wrapper:  wrapper,
		Engine:   engine,
		Resolver: resolver,
		conn:     conn,
		clock:    o.clock,
		config:   config,
		logger:   o.logger,
	}
}

// Status is the connectivity/backlog summary shown in the app header.
type Status struct {
	State         EngineState `json:"state"`
	Online        bool        `json:"online"`
	PendingCount  int         `json:"pendingCount"`
	OpenConflicts int         `json:"openConflicts"`
}

// Status reports the current sync status for UI indicators.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	pending, err := c.Queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := c.Resolver.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:         c.Engine.State(),
		Online:        c.conn.Online(),
		PendingCount:  pending,
		OpenConflicts: len(conflicts),
	}, nil
}

// SyncNow triggers one sync cycle. A concurrent trigger coalesces into
// the running cycle and reports offsync.ErrSyncInProgress.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.Engine.SyncNow(ctx)
}

// Start runs the background sync loop until ctx is cancelled. Cycles run
// at the configured interval while online, with exponential backoff
// after failures.
func (c *Client) Start(ctx context.Context) {
	go c.syncLoop(ctx)
}

func (c *Client) syncLoop(ctx context.Context) {
	policy := c.config.BackoffPolicy()
	interval := c.config.SyncInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	backoff := interval

	for {
		if err := c.clock.Sleep(ctx, backoff); err != nil {
			return
		}
		if !c.conn.Online() {
			backoff = interval
			continue
		}

		if err := c.Engine.SyncNow(ctx); err != nil && !errors.Is(err, offsync.ErrSyncInProgress) {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("background sync cycle failed", "error", err)
			backoff *= 2
			if backoff > policy.Max {
				backoff = policy.Max
			}
			if backoff < interval {
				backoff = interval
			}
		} else {
			backoff = interval
		}
	}
}
