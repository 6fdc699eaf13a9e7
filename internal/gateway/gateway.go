// ABOUTME: Gateway orchestrator that coordinates the agent listener and HTTP server
// ABOUTME: Manages agent connections, store, deployer, and recovery lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fleetward/fleetward/internal/agent"
	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/deploy"
	"github.com/fleetward/fleetward/internal/store"
)

// Gateway orchestrates the fleetward server components: the TCP listener for
// agent connections, the operational HTTP API, the deployer, and the
// crash-recovery service.
type Gateway struct {
	config       *config.Config
	agentManager *agent.Manager
	store        store.Store
	deployer     *deploy.Deployer
	recovery     *deploy.Recovery
	verifier     auth.TokenVerifier
	metrics      *metrics
	httpServer   *http.Server
	logger       *slog.Logger

	// orchestratorID identifies this gateway instance in welcome frames
	orchestratorID string
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEETWARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New constructs a Gateway from configuration. Nothing is listening yet;
// Run starts the servers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))
	locks := deploy.NewLockManager()
	deployer := deploy.NewDeployer(s, agentMgr, locks, cfg.Agents.CommandTimeout, logger.With("component", "deployer"))
	recovery := deploy.NewRecovery(s, agentMgr, locks, cfg.Agents.StatusQueryTimeout, logger.With("component", "recovery"))

	gw := &Gateway{
		config:         cfg,
		agentManager:   agentMgr,
		store:          s,
		deployer:       deployer,
		recovery:       recovery,
		verifier:       auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		metrics:        newMetrics(),
		logger:         logger.With("component", "gateway"),
		orchestratorID: generateOrchestratorID(),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// API endpoints
	mux.HandleFunc("/api/agents", gw.handleListAgents)
	mux.HandleFunc("/api/servers", gw.handleListServers)
	mux.HandleFunc("/api/deployments", gw.handleDeployments)
	mux.HandleFunc("/api/deployments/", gw.handleDeploymentRoutes)
	mux.HandleFunc("/api/recovery/run", gw.handleRecoveryRun)
	mux.HandleFunc("/api/recovery/status", gw.handleRecoveryStatus)
	mux.HandleFunc("/api/audit", gw.handleAuditLog)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, gw.metrics.handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// generateOrchestratorID creates a short identifier for this instance.
func generateOrchestratorID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "fleetward"
	}
	return "fleetward-" + hostname
}

// Recovery exposes the recovery service, for manual invocation by commands.
func (g *Gateway) Recovery() *deploy.Recovery {
	return g.recovery
}

// Run starts the agent listener and HTTP server and blocks until the context
// is canceled. The startup recovery pass runs after the store is available
// and before the HTTP API accepts traffic that could race with it.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	agentLn, httpLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	// Reconcile deployments left in a transient status by a previous crash.
	// Agents are not connected yet, so this pass resolves rows via the
	// offline rule or the fallback table; a manual re-run once agents have
	// reconnected can refine the outcome.
	results := g.recovery.RecoverStuckDeployments(ctx)
	for _, res := range results {
		g.metrics.recoveriesTotal.WithLabelValues(string(res.Action)).Inc()
	}
	if len(results) > 0 {
		g.logger.Info("startup recovery complete", "recovered", len(results))
	}

	errCh := g.startServers(ctx, agentLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates TCP listeners for agents and HTTP.
func (g *Gateway) setupListeners() (agentLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"agent_addr", g.config.Server.AgentAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	agentLn, err = net.Listen("tcp", g.config.Server.AgentAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return agentLn, httpLn, nil
}

// startServers starts the agent accept loop and HTTP server in goroutines,
// returning an error channel.
func (g *Gateway) startServers(ctx context.Context, agentLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("agent listener ready", "addr", agentLn.Addr().String())
		if err := g.serveAgents(ctx, agentLn); err != nil {
			errCh <- fmt.Errorf("agent listener: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("gateway stopped")
	return firstErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleReady returns 200 OK once the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListServers(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}
