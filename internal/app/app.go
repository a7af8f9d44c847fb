// Package app wires every component of the delegation control plane into
// one running instance: storage, event bus, scheduler, the four admission
// gates, the capability registry, and the MCP health registry.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dataparency-dev/delegation-control-plane/internal/capability"
	"github.com/dataparency-dev/delegation-control-plane/internal/chain"
	"github.com/dataparency-dev/delegation-control-plane/internal/classification"
	"github.com/dataparency-dev/delegation-control-plane/internal/config"
	"github.com/dataparency-dev/delegation-control-plane/internal/contract"
	"github.com/dataparency-dev/delegation-control-plane/internal/eventbus"
	"github.com/dataparency-dev/delegation-control-plane/internal/firebreak"
	"github.com/dataparency-dev/delegation-control-plane/internal/logging"
	"github.com/dataparency-dev/delegation-control-plane/internal/mcphealth"
	"github.com/dataparency-dev/delegation-control-plane/internal/permission"
	"github.com/dataparency-dev/delegation-control-plane/internal/reputation"
	"github.com/dataparency-dev/delegation-control-plane/internal/scheduler"
	"github.com/dataparency-dev/delegation-control-plane/internal/security"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
)

// App bundles every live component and owns their shutdown order.
type App struct {
	Config config.Config
	Logger *zap.Logger

	DB    *sqlx.DB
	Bus   *eventbus.Bus
	Sched *scheduler.Scheduler

	Capability *capability.Registry
	Classify   *classification.Enforcer
	Security   *security.Validator
	Reputation *reputation.Engine
	Firebreak  *firebreak.Enforcer
	Chain      *chain.Tracker
	Attenuator *permission.Attenuator
	MCPHealth  *mcphealth.Registry
	Contracts  *contract.Manager
}

// New constructs every component from cfg, in leaf-first dependency order.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus, err := eventbus.New()
	if err != nil {
		return nil, fmt.Errorf("start event bus: %w", err)
	}

	sched := scheduler.New()

	contractStore := storage.NewContractStore(db)
	auditStore := storage.NewAuditStore(db)
	capStore := storage.NewCapabilityStore(db)
	repStore := storage.NewReputationStore(db)
	clsStore := storage.NewClassificationDecisionStore(db)

	capRegistry, err := capability.New(capStore)
	if err != nil {
		return nil, fmt.Errorf("load capability registry: %w", err)
	}
	classify := classification.New(clsStore)
	secValidator := security.New(security.ResourceCaps{
		MaxMemoryMB: cfg.Security.MaxMemoryMB,
		MaxCPUCores: cfg.Security.MaxCPUCores,
		MaxDiskMB:   cfg.Security.MaxDiskMB,
	}, cfg.Security.ReputationGamingWindowHours, cfg.Security.ReputationGamingPairThreshold)
	repEngine := reputation.New(repStore)
	fbEnforcer := firebreak.New(firebreak.Thresholds{
		SupervisorThreshold:           cfg.Firebreak.SupervisorThreshold,
		ManagerThreshold:              cfg.Firebreak.ManagerThreshold,
		ExecutiveThreshold:            cfg.Firebreak.ExecutiveThreshold,
		EmergencyThreshold:            cfg.Firebreak.EmergencyThreshold,
		HighValueLimit:                cfg.Firebreak.HighValueLimit,
		ExternalDelegationFlagEnabled: cfg.Firebreak.ExternalDelegationRequiresExecutive,
	})
	chainTracker := chain.New(contractStore)
	attenuator, err := permission.New()
	if err != nil {
		return nil, fmt.Errorf("init permission attenuator: %w", err)
	}
	mcpRegistry := mcphealth.New(mcphealth.Options{
		ProbeTimeout: time.Duration(cfg.MCPHealth.ProbeTimeoutSeconds) * time.Second,
	})
	if err := mcpRegistry.Initialize(cfg.MCPHealth.DiscoveryPaths, os.ReadFile); err != nil {
		logger.Warn("mcp health discovery", zap.Error(err))
	}
	if cfg.MCPHealth.HealthCheckInterval > 0 {
		mcpRegistry.StartHealthMonitoring(cfg.MCPHealth.HealthCheckInterval)
	}

	contracts := contract.New(contract.Deps{
		Store:              contractStore,
		Audit:              auditStore,
		Bus:                bus,
		Scheduler:          sched,
		Capability:         capRegistry,
		Classify:           classify,
		Security:           secValidator,
		Reputation:         repEngine,
		Firebreak:          fbEnforcer,
		Chain:              chainTracker,
		Attenuator:         attenuator,
		MaxDelegationDepth: cfg.Contract.MaxDelegationDepth,
		MaxChainDepth:      cfg.Chain.MaxChainDepth,
	})

	return &App{
		Config: cfg, Logger: logger, DB: db, Bus: bus, Sched: sched,
		Capability: capRegistry, Classify: classify, Security: secValidator,
		Reputation: repEngine, Firebreak: fbEnforcer, Chain: chainTracker,
		Attenuator: attenuator, MCPHealth: mcpRegistry, Contracts: contracts,
	}, nil
}

// Close releases every component's resources in reverse dependency order.
func (a *App) Close() {
	a.MCPHealth.StopHealthMonitoring()
	a.Sched.Stop()
	a.Bus.Close()
	_ = a.DB.Close()
	_ = a.Logger.Sync()
}
