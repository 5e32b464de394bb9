package hibernator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// App wires together the controller client, per-server state, proxy
// manager, orchestrator, and admin surface, and runs them until a shutdown
// signal arrives.
type App struct {
	cfg          *Config
	controller   *ControllerClient
	states       map[string]*ServerState
	proxy        *ProxyManager
	orchestrator *Orchestrator
	health       *HealthServer
}

// NewApp builds the full component graph from a loaded configuration. It
// does not start anything — call Run for that.
func NewApp(cfg *Config) *App {
	controller := NewControllerClient(cfg.Controller.BaseURL, cfg.Controller.Token, cfg.Controller.VerifyTLS)

	states := make(map[string]*ServerState, len(cfg.Servers))
	for name := range cfg.Servers {
		states[name] = NewServerState(name)
	}

	var notifier Notifier = NoopNotifier{}
	if cfg.Webhook.Enabled {
		notifier = NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Label)
	}

	ctx := context.Background()
	proxy := NewProxyManager(ctx, cfg.Servers, states, controller, notifier)
	orchestrator := NewOrchestrator(cfg, states, controller, notifier, proxy)

	var health *HealthServer
	if cfg.Health.Enabled {
		health = NewHealthServer(cfg.Health, states, orchestrator)
	}

	return &App{
		cfg:          cfg,
		controller:   controller,
		states:       states,
		proxy:        proxy,
		orchestrator: orchestrator,
		health:       health,
	}
}

// Run blocks until ctx is cancelled or a fatal startup condition is hit. It
// verifies the controller is reachable before starting any loop, mirroring
// the CLI's "exit 1 on startup failure" contract.
func (a *App) Run(ctx context.Context) error {
	if !a.controller.CheckAlive(ctx) {
		return fmt.Errorf("controller at %s is not reachable at startup", a.cfg.Controller.BaseURL)
	}
	a.orchestrator.MarkControllerReachable()

	if err := a.validateServerIDs(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.proxy.Run()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.orchestrator.Start(runCtx)
	}()

	if a.health != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.health.Start(runCtx); err != nil {
				slog.Error("admin surface stopped with an error", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchReload(runCtx)
	}()

	a.waitForShutdown(runCtx, cancel)
	wg.Wait()
	return nil
}

// validateServerIDs confirms every configured controller_server_id is one
// the controller actually knows about, failing startup early rather than
// discovering a typo'd ID only once the orchestrator's first poll errors out.
func (a *App) validateServerIDs(ctx context.Context) error {
	known, err := a.controller.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list servers from controller: %w", err)
	}

	knownIDs := make(map[string]bool, len(known))
	for _, s := range known {
		knownIDs[s.ServerID] = true
	}

	for name, spec := range a.cfg.Servers {
		if !knownIDs[spec.ControllerServerID] {
			return fmt.Errorf("server %q: controller_server_id %q not found on controller", name, spec.ControllerServerID)
		}
	}
	return nil
}

// waitForShutdown blocks until ctx is cancelled (already underway) or
// SIGINT/SIGTERM arrives, in which case it cancels cancel to unwind every
// other loop.
func (a *App) waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}

// watchReload re-reads the configuration file on SIGHUP and applies the
// reloadable subset in place. A parse or validation failure leaves the
// running configuration untouched.
func (a *App) watchReload(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			slog.Info("reload signal received, re-reading configuration", "path", a.cfg.ConfigPath)
			newCfg, err := LoadConfig(a.cfg.ConfigPath)
			if err != nil {
				slog.Error("reload failed, keeping current configuration", "error", err)
				continue
			}
			if err := a.orchestrator.Reload(newCfg); err != nil {
				slog.Error("reload rejected", "error", err)
				continue
			}
			slog.Info("configuration reloaded")
		}
	}
}
