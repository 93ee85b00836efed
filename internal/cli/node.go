package cli

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/roomstate/internal/config"
	"github.com/roach88/roomstate/internal/metrics"
	"github.com/roach88/roomstate/internal/policy"
	"github.com/roach88/roomstate/internal/replication"
	"github.com/roach88/roomstate/internal/state"
	"github.com/roach88/roomstate/internal/store"
)

// node is one server's wired components.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Collector
	client  *replication.Client
	engine  *state.Engine
	server  *replication.Server
}

// openNode opens the store and wires the engine, replication client and
// federation server from cfg. Metrics are nil when disabled.
func openNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	rules := policy.Default()
	if cfg.PolicyFile != "" {
		var err error
		rules, err = policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
	}

	st, err := store.Open(cfg.Database, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database, err)
	}

	n := &node{cfg: cfg, logger: logger, store: st}

	rc := cfg.Replication
	clientOpts := []replication.ClientOption{
		replication.WithHTTPClient(&http.Client{Timeout: rc.Timeout}),
		replication.WithPeers(rc.Peers),
		replication.WithBackoff(replication.Backoff{
			MinWait:     rc.MinWait,
			MaxWait:     rc.MaxWait,
			MaxAttempts: rc.MaxAttempts,
		}),
		replication.WithBreakerSettings(replication.BreakerSettings{
			MaxRequests:      rc.Breaker.MaxRequests,
			Interval:         rc.Breaker.Interval,
			Timeout:          rc.Breaker.Timeout,
			MinRequests:      rc.Breaker.MinRequests,
			FailureThreshold: rc.Breaker.FailureThreshold,
		}),
		replication.WithClientLogger(logger),
	}

	engineOpts := []state.Option{
		state.WithLogger(logger),
		state.WithAuthorizer(policy.New(rules, st)),
		state.WithMaxBackfill(cfg.Resolution.MaxBackfill),
	}

	serverOpts := []replication.ServerOption{replication.WithServerLogger(logger)}

	if cfg.Metrics.Enabled {
		n.metrics = metrics.NewCollector(cfg.Metrics.Namespace)
		clientOpts = append(clientOpts, replication.WithBreakerStateHook(n.metrics.BreakerStateChanged))
		engineOpts = append(engineOpts, state.WithObserver(n.metrics))
		serverOpts = append(serverOpts, replication.WithMetrics(n.metrics))
	}

	n.client = replication.NewClient(st, clientOpts...)
	n.engine = state.New(st, n.client, cfg.ServerName, engineOpts...)
	n.server = replication.NewServer(st, n.engine, serverOpts...)
	return n, nil
}

func (n *node) Close() error {
	return n.store.Close()
}
