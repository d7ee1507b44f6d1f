// Package agent wires the config, device identity, backup store, fetcher,
// deploy/rollback engines, progress bus, metrics and transport client into
// a single runnable upgrade agent.
package agent

import (
	"context"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zenvor/remote-upgrader/internal/backupstore"
	"github.com/zenvor/remote-upgrader/internal/config"
	"github.com/zenvor/remote-upgrader/internal/deploy"
	"github.com/zenvor/remote-upgrader/internal/deploypaths"
	"github.com/zenvor/remote-upgrader/internal/deviceid"
	"github.com/zenvor/remote-upgrader/internal/fetcher"
	"github.com/zenvor/remote-upgrader/internal/metrics"
	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/rollback"
	"github.com/zenvor/remote-upgrader/internal/transport"
	"github.com/zenvor/remote-upgrader/internal/version"
)

// AgentVersion is the build-time agent version reported on registration
// and in device:update-system pushes. Overridden at build time via ldflags
// in a real release; "dev" otherwise.
var AgentVersion = "dev"

// Agent is the fully wired upgrade agent.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	deviceID string

	backups     *backupstore.Store
	deployPaths *deploypaths.Store
	bus         *progress.Bus
	fetcher     *fetcher.Fetcher
	deploy      *deploy.Engine
	rollback    *rollback.Engine
	metrics     *metrics.Registry
	metricsSrv  *metrics.Server
	transport   *transport.Client
}

// New builds an Agent from a loaded configuration. It resolves the device
// identity, constructs every collaborator, and wires the transport
// client's command handlers to the deploy/rollback engines.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	deviceIDResolved, err := deviceid.Resolve(deviceid.DefaultDeviceIdentifier{}, cfg.Paths.ConfigDir, cfg.Device.InstanceID)
	if err != nil {
		return nil, err
	}

	backups := backupstore.New(cfg.Paths.BackupRoot)
	deployPaths := deploypaths.New(cfg.DeployPathsFile())
	bus := progress.New()
	fetch := fetcher.New(cfg.Server.URL, cfg.Paths.TempDir, cfg.Paths.PackageDir, cfg.Server.Timeout)

	deployEngine := &deploy.Engine{
		DeviceID:    deviceIDResolved,
		Backups:     backups,
		DeployPaths: deployPaths,
		Bus:         bus,
	}
	rollbackEngine := &rollback.Engine{
		DeviceID:    deviceIDResolved,
		Backups:     backups,
		DeployPaths: deployPaths,
		Bus:         bus,
	}

	metricsRegistry := metrics.NewRegistry()
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		addr := ":" + itoa(cfg.Metrics.Port)
		metricsSrv = metrics.NewServer(metricsRegistry, addr, cfg.Metrics.Path, logger)
	}

	transportClient := transport.NewClient(transport.Config{
		ServerURL:            wsURL(cfg.Server.URL),
		DialTimeout:          cfg.Server.Timeout,
		ReconnectBase:        cfg.Server.ReconnectBaseDelay,
		ReconnectMax:         cfg.Server.ReconnectMaxDelay,
		ReconnectJitter:      cfg.Server.ReconnectJitter,
		ReconnectMaxAttempt:  cfg.Server.ReconnectMaxAttempt,
		DeviceID:             deviceIDResolved,
		DeviceName:           cfg.Device.Name,
		PreferConfigName:     cfg.Device.PreferConfigName,
		InstanceID:           cfg.Device.InstanceID,
		AgentVersion:         AgentVersion,
		FrontendDeployPath:   cfg.Paths.FrontendDeploy,
		BackendDeployPath:    cfg.Paths.BackendDeploy,
		MaxHistoricalBackups: cfg.Backup.MaxHistoricalBackups,
	}, logger)

	a := &Agent{
		cfg:         cfg,
		logger:      logger,
		deviceID:    deviceIDResolved,
		backups:     backups,
		deployPaths: deployPaths,
		bus:         bus,
		fetcher:     fetch,
		deploy:      deployEngine,
		rollback:    rollbackEngine,
		metrics:     metricsRegistry,
		metricsSrv:  metricsSrv,
		transport:   transportClient,
	}

	deployEngine.OnDeployPathUpdated = transportClient.NotifyDeployPathUpdated
	rollbackEngine.OnDeployPathUpdated = transportClient.NotifyDeployPathUpdated

	transportClient.WireCollaborators(fetch, deployEngine, rollbackEngine, bus, a.lookupVersion)

	return a, nil
}

// lookupVersion resolves a project's current version record and
// authoritative deploy path for getCurrentVersion replies.
func (a *Agent) lookupVersion(project string) (version.Record, string, bool) {
	deployPath := ""
	if entry, ok := a.deployPaths.Get(project); ok && entry.DeployPath != "" {
		deployPath = entry.DeployPath
	} else if root, err := a.cfg.DeployRoot(project); err == nil {
		deployPath = root
	}
	if deployPath == "" {
		return version.Record{}, "", false
	}
	rec, ok := version.Read(deployPath)
	if !ok {
		return version.Record{}, deployPath, false
	}
	return rec, deployPath, true
}

// Run starts the metrics listener (if enabled) and the transport
// connect/reconnect loop, blocking until ctx is cancelled or a termination
// signal is received.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.metricsSrv != nil {
		a.metricsSrv.Start(ctx)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.transport.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.transport.Shutdown(shutdownCtx)

	return nil
}

// DeviceID returns the resolved, stable device identifier.
func (a *Agent) DeviceID() string { return a.deviceID }

func wsURL(serverURL string) string {
	switch {
	case hasPrefix(serverURL, "https://"):
		return "wss://" + serverURL[len("https://"):]
	case hasPrefix(serverURL, "http://"):
		return "ws://" + serverURL[len("http://"):]
	default:
		return serverURL
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
