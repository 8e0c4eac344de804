package daemon

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcfield/toolplane/internal/config"
	"github.com/arcfield/toolplane/internal/logger"
	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/breaker"
	"github.com/arcfield/toolplane/pkg/bridge"
	"github.com/arcfield/toolplane/pkg/checkpoint"
	"github.com/arcfield/toolplane/pkg/credential"
	"github.com/arcfield/toolplane/pkg/executor"
	"github.com/arcfield/toolplane/pkg/gateway"
	"github.com/arcfield/toolplane/pkg/permission"
	"github.com/arcfield/toolplane/pkg/ratelimit"
	"github.com/arcfield/toolplane/pkg/sandbox"
	"github.com/arcfield/toolplane/pkg/tool"
	"github.com/arcfield/toolplane/pkg/webhook"
)

// Daemon is the long-running toolplane process. It owns every module of
// the execution layer and wires them together: the tool registry feeds
// the executor, the executor leans on permissions, sandboxes, limits,
// breakers, checkpoints and the bridge, and the gateway exposes the
// whole thing over JSON-RPC.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	toolStore   *tool.Store
	registry    *tool.Registry
	policyFile  *permission.PolicyFileOracle
	checker     *permission.Checker
	credentials *credential.Store
	checkpoints *checkpoint.Manager
	breakers    *breaker.Arena
	limiter     *ratelimit.Limiter
	bridge      *bridge.Bridge
	provisioner sandbox.Provisioner
	executor    *executor.Executor
	redis       *redis.Client

	// Services
	gatewayServer *gateway.Server
	webhookServer *webhook.Server
	sweeper       *checkpoint.Sweeper
	lifecycle     *LifecycleManager

	// State
	running   bool
	startTime time.Time
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Status represents the daemon's current state.
type Status struct {
	Running         bool          `json:"running"`
	StartTime       time.Time     `json:"start_time"`
	Uptime          time.Duration `json:"uptime"`
	BridgeConnected bool          `json:"bridge_connected"`
}

// New creates a daemon from configuration. Every module is constructed
// and wired here; nothing accepts traffic until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Str("path", auditPath).Msg("Failed to initialize audit logger")
	}

	if err := tracing.InitOpenTelemetry("toolplane-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize OpenTelemetry")
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// dataPath resolves a configured path, defaulting to a file under the
// data directory when the config leaves it empty.
func (d *Daemon) dataPath(configured, name string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(d.config.DataDir, name)
}

// initializeCoreModules builds the execution-layer modules in dependency
// order: stores first, the executor last.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	// Redis is shared by the rate limiter and the bridge cache when enabled.
	if d.config.Redis.Enabled {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.config.Redis.Addr,
			Password: d.config.Redis.Password,
			DB:       d.config.Redis.DB,
		})
		d.logger.Info().Str("addr", d.config.Redis.Addr).Msg("Redis client initialized")
	}

	// Tool registry
	toolStore, err := tool.NewStore(d.dataPath(d.config.Registry.DatabasePath, "registry.db"), zl)
	if err != nil {
		return fmt.Errorf("failed to initialize tool store: %w", err)
	}
	d.toolStore = toolStore
	d.registry = tool.NewRegistry(toolStore, time.Duration(d.config.Registry.CacheTTL)*time.Second, zl)
	d.logger.Info().Msg("Tool registry initialized")

	// Permission checker. The oracle answers contextual questions the
	// credential grants cannot; without a policy file the grants are the
	// whole policy and the oracle allows.
	var oracle permission.Oracle
	if d.config.Permission.PolicyFile != "" {
		pf, err := permission.NewPolicyFileOracle(d.config.Permission.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load policy file: %w", err)
		}
		d.policyFile = pf
		oracle = pf
	} else {
		d.logger.Warn().Msg("No policy file configured, credential grants are the only authorization layer")
		oracle = permission.OracleFunc(func(ctx context.Context, req permission.AuthRequest) (permission.OracleDecision, error) {
			return permission.OracleDecision{Allowed: true, Reason: "no contextual policy configured"}, nil
		})
	}
	d.checker = permission.NewChecker(
		[]byte(d.config.Permission.SigningKey),
		d.config.Permission.Issuer,
		oracle,
		d.config.Permission.OracleTimeout(),
		time.Duration(d.config.Permission.CacheTTL)*time.Second,
	)
	if d.policyFile != nil {
		d.policyFile.SetOnChange(func() {
			purged := d.checker.PurgeCache()
			d.logger.Info().Int("purged", purged).Msg("Policy file changed, permission cache purged")
		})
	}
	d.logger.Info().Msg("Permission checker initialized")

	// Credential store
	var masterKey []byte
	if d.config.Credentials.MasterKey != "" {
		masterKey, err = base64.StdEncoding.DecodeString(d.config.Credentials.MasterKey)
		if err != nil {
			return fmt.Errorf("credentials master_key is not valid base64: %w", err)
		}
	} else {
		masterKey = make([]byte, 32)
		if _, err := rand.Read(masterKey); err != nil {
			return fmt.Errorf("failed to generate ephemeral master key: %w", err)
		}
		d.logger.Warn().Msg("No credentials master key configured, using an ephemeral key; stored secrets will not survive a restart")
	}
	d.credentials, err = credential.NewStore(d.dataPath(d.config.Credentials.StorePath, "credentials.db"), masterKey, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}
	d.logger.Info().Msg("Credential store initialized")

	// Checkpoint manager
	d.checkpoints, err = checkpoint.NewManager(checkpoint.Options{
		MicroDir:          d.dataPath(d.config.Checkpoint.Dir, "checkpoints"),
		DatabasePath:      d.dataPath(d.config.Checkpoint.DatabasePath, "checkpoints.db"),
		ExternalDir:       d.config.Checkpoint.ExternalDir,
		CompressThreshold: d.config.Checkpoint.CompressThresholdBytes,
		DeltaThreshold:    d.config.Checkpoint.DeltaThresholdBytes,
		ExternalThreshold: d.config.Checkpoint.ExternalThresholdBytes,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint manager: %w", err)
	}
	d.logger.Info().Msg("Checkpoint manager initialized")

	// Circuit breakers. Transitions feed the metrics gauge so operators
	// can alert on open circuits.
	d.breakers = breaker.NewArena(breaker.Config{
		FailureThreshold: d.config.Breaker.FailureThreshold,
		SuccessThreshold: d.config.Breaker.SuccessThreshold,
		Timeout:          time.Duration(d.config.Breaker.TimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: d.config.Breaker.HalfOpenMaxCalls,
		Window:           time.Duration(d.config.Breaker.WindowSeconds) * time.Second,
	})
	d.breakers.OnTransition(func(t breaker.Transition) {
		observability.SetBreakerState(t.Service, int(t.To))
		d.logger.Info().
			Str("service", t.Service).
			Str("from", t.From.String()).
			Str("to", t.To.String()).
			Msg("Circuit breaker transition")
	})
	d.logger.Info().Msg("Circuit breakers initialized")

	// Rate limiter
	var limitStore ratelimit.Store
	if d.config.RateLimit.Store == "redis" {
		limitStore = ratelimit.NewRedisStore(d.redis, "toolplane:ratelimit")
	} else {
		limitStore = ratelimit.NewMemoryStore()
	}
	d.limiter = ratelimit.New(limitStore, d.config.RateLimit.Granularity, ratelimit.Limits{
		Rate:  d.config.RateLimit.RefillRate,
		Burst: float64(d.config.RateLimit.Capacity),
	})
	d.logger.Info().Str("granularity", d.config.RateLimit.Granularity).Msg("Rate limiter initialized")

	// Bridge to the agent runtime, only when a peer is configured.
	if d.config.Bridge.URL != "" {
		opts := bridge.Options{
			URL:             d.config.Bridge.URL,
			CallTimeout:     d.config.Bridge.BridgeCallTimeout(),
			ReconnectMax:    time.Duration(d.config.Bridge.ReconnectMaxSeconds) * time.Second,
			SharedTTL:       time.Duration(d.config.Bridge.SharedCacheTTL) * time.Second,
			LocalCacheSize:  d.config.Bridge.LocalCacheSize,
			DirectStorePath: d.config.Bridge.DirectStorePath,
			Logger:          zl,
		}
		if d.redis != nil {
			opts.SharedCache = bridge.NewRedisSharedCache(d.redis, "toolplane:bridge", opts.SharedTTL)
		}
		d.bridge, err = bridge.New(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize bridge: %w", err)
		}
		d.logger.Info().Str("url", d.config.Bridge.URL).Msg("Bridge initialized")
	} else {
		d.logger.Info().Msg("No bridge URL configured, bridge tools disabled")
	}

	// Sandbox provisioner
	workdirBase := d.dataPath(d.config.Sandbox.WorkdirBase, "workspaces")
	switch d.config.Sandbox.Runtime {
	case "docker":
		d.provisioner, err = sandbox.NewDockerProvisioner(workdirBase, d.config.Sandbox.DockerImage, zl)
	default:
		d.provisioner, err = sandbox.NewHostProvisioner(workdirBase, zl)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox provisioner: %w", err)
	}
	d.logger.Info().Str("runtime", d.config.Sandbox.Runtime).Msg("Sandbox provisioner initialized")

	// Executor ties everything together.
	execCfg := d.config.Executor
	if execCfg.InvocationDatabasePath == "" {
		execCfg.InvocationDatabasePath = filepath.Join(d.config.DataDir, "invocations.db")
	}
	d.executor, err = executor.New(
		execCfg,
		time.Duration(d.config.Checkpoint.MicroIntervalSeconds)*time.Second,
		executor.Deps{
			Registry:    d.registry,
			Checker:     d.checker,
			Credentials: d.credentials,
			Checkpoints: d.checkpoints,
			Provisioner: d.provisioner,
			Limiter:     d.limiter,
			Breakers:    d.breakers,
			Bridge:      d.bridge,
		},
		zl,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}
	d.logger.Info().Msg("Executor initialized")

	return nil
}

// initializeServices builds the traffic-facing services around the core
// modules: checkpoint sweeper, gateway, webhook ingress, lifecycle.
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	sweeper, err := checkpoint.NewSweeper(
		d.checkpoints,
		d.config.Checkpoint.SweepSchedule,
		time.Duration(d.config.Checkpoint.MicroRetentionHours)*time.Hour,
		time.Duration(d.config.Checkpoint.MacroRetentionDays)*24*time.Hour,
		zl,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint sweeper: %w", err)
	}
	d.sweeper = sweeper

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:               d.config.Gateway.Host,
		Port:               d.config.Gateway.Port,
		SharedSecret:       d.config.Gateway.SharedSecret,
		RequestsPerMinute:  d.config.Gateway.RequestsPerMinute,
		MaxConcurrentCalls: d.config.Gateway.MaxConcurrentCalls,
		DrainTimeout:       time.Duration(d.config.Gateway.DrainTimeout) * time.Second,
		Executor:           d.executor,
		Registry:           d.registry,
		Logger:             zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	d.gatewayServer = gatewayServer

	if d.config.Webhook.Enabled {
		if err := d.initializeWebhook(); err != nil {
			return err
		}
	}

	d.lifecycle = NewLifecycleManager(d)

	return nil
}

// initializeWebhook stands up the HMAC-verified ingress and registers
// the event hooks external collaborators may deliver.
func (d *Daemon) initializeWebhook() error {
	server, err := webhook.NewServer(webhook.ServerOptions{
		Port:           d.config.Webhook.Port,
		Host:           d.config.Webhook.Host,
		RegistryPath:   filepath.Join(d.config.DataDir, "webhooks.json"),
		DefaultTimeout: time.Duration(d.config.Webhook.Timeout) * time.Second,
	}, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to initialize webhook server: %w", err)
	}

	secret := d.config.Webhook.Secret

	if err := server.RegisterWebhook(webhook.CreatePolicyChangedHandler(webhook.PolicyChangedOptions{
		Secret:            secret,
		InvalidateSubject: d.checker.InvalidateSubject,
	})); err != nil {
		return fmt.Errorf("failed to register policy.changed hook: %w", err)
	}

	if d.bridge != nil {
		if err := server.RegisterWebhook(webhook.CreateBridgeChangedHandler(webhook.BridgeChangedOptions{
			Secret:     secret,
			Invalidate: d.bridge.Invalidate,
		})); err != nil {
			return fmt.Errorf("failed to register bridge.changed hook: %w", err)
		}
	}

	if err := server.RegisterWebhook(webhook.CreateApprovalDecisionHandler(webhook.ApprovalDecisionOptions{
		Secret: secret,
		Decide: d.executor.HandleApprovalDecision,
	})); err != nil {
		return fmt.Errorf("failed to register approval.decision hook: %w", err)
	}

	d.webhookServer = server
	return nil
}

// Start brings the daemon up: PID file, bridge connection, crash
// recovery, then the gateway and the remaining services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	d.logger.Info().Msg("Starting daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.bridge != nil {
		d.bridge.Start()
	}

	// Settle interrupted invocations before the gateway admits traffic,
	// so status queries never see stale running records.
	if err := d.executor.Recover(d.ctx); err != nil {
		return fmt.Errorf("failed to recover invocations: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if d.webhookServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.webhookServer.Start(); err != nil {
				d.logger.Error().Err(err).Msg("Webhook server error")
			}
		}()
	}

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start checkpoint sweeper: %w", err)
	}

	if d.policyFile != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.policyFile.Watch(d.ctx); err != nil {
				d.logger.Warn().Err(err).Msg("Policy file watcher stopped")
			}
		}()
	}

	d.running = true
	d.startTime = time.Now()

	d.logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Daemon started")

	return nil
}

// Stop shuts the daemon down in reverse order: ingress first so nothing
// new arrives, then the executor drain, then the backends.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return fmt.Errorf("daemon is not running")
	}

	d.logger.Info().Msg("Stopping daemon")

	if err := d.gatewayServer.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Gateway did not stop cleanly")
	}

	if d.webhookServer != nil {
		if err := d.webhookServer.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Webhook server did not stop cleanly")
		}
	}

	if err := d.sweeper.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Checkpoint sweeper did not stop cleanly")
	}

	drain := time.Duration(d.config.Gateway.DrainTimeout) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	if err := d.executor.Shutdown(drainCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Executor drain incomplete")
	}
	cancelDrain()

	if d.bridge != nil {
		d.bridge.Stop()
	}

	if err := d.checkpoints.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Checkpoint manager did not close cleanly")
	}
	if err := d.credentials.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Credential store did not close cleanly")
	}
	if err := d.toolStore.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Tool store did not close cleanly")
	}

	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Redis client did not close cleanly")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timed out waiting for background services")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Lifecycle manager did not stop cleanly")
	}

	traceCtx, cancelTrace := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tracing.ShutdownOpenTelemetry(traceCtx); err != nil {
		d.logger.Warn().Err(err).Msg("OpenTelemetry shutdown failed")
	}
	cancelTrace()

	if auditLogger := observability.GetAuditLogger(); auditLogger != nil {
		if err := auditLogger.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Audit logger did not close cleanly")
		}
	}

	d.running = false
	d.logger.Info().Msg("Daemon stopped")

	return nil
}

// Status returns the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := Status{
		Running:   d.running,
		StartTime: d.startTime,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	if d.bridge != nil {
		status.BridgeConnected = d.bridge.Connected()
	}

	return status
}

// Wait blocks until the daemon receives a shutdown signal.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Error stopping daemon")
	}
}

// Executor returns the invocation executor.
func (d *Daemon) Executor() *executor.Executor {
	return d.executor
}

// Registry returns the tool registry.
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// Checker returns the permission checker.
func (d *Daemon) Checker() *permission.Checker {
	return d.checker
}

// Credentials returns the credential store.
func (d *Daemon) Credentials() *credential.Store {
	return d.credentials
}

// Checkpoints returns the checkpoint manager.
func (d *Daemon) Checkpoints() *checkpoint.Manager {
	return d.checkpoints
}

// Breakers returns the circuit breaker arena.
func (d *Daemon) Breakers() *breaker.Arena {
	return d.breakers
}

// Limiter returns the rate limiter.
func (d *Daemon) Limiter() *ratelimit.Limiter {
	return d.limiter
}

// Bridge returns the agent-runtime bridge, nil when not configured.
func (d *Daemon) Bridge() *bridge.Bridge {
	return d.bridge
}
