package hibernator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Orchestrator drives the per-server reconciliation tick and is the writer
// of ServerState.Transition; the one other caller is the proxy manager's
// port-handover, which moves a server to STARTING. Every other component
// reads state through a Snapshot.
type Orchestrator struct {
	mu sync.RWMutex

	cfg        *Config
	servers    map[string]ServerSpec
	states     map[string]*ServerState
	controller *ControllerClient
	notifier   Notifier
	proxy      *ProxyManager

	cron *cron.Cron

	authLocked   bool
	controllerUp bool
}

// NewOrchestrator builds an orchestrator for the given configuration. states
// must contain one *ServerState per key in cfg.Servers.
func NewOrchestrator(cfg *Config, states map[string]*ServerState, controller *ControllerClient, notifier Notifier, proxy *ProxyManager) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		servers:    cfg.Servers,
		states:     states,
		controller: controller,
		notifier:   notifier,
		proxy:      proxy,
	}
}

// Start schedules the reconciliation tick on an @every expression built
// from the configured poll interval, plus a fixed five-minute housekeeping
// pass, and blocks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.RLock()
	interval := o.cfg.Polling.Interval()
	o.mu.RUnlock()

	c := cron.New(cron.WithSeconds())
	o.cron = c

	schedule := "@every " + interval.String()
	if _, err := c.AddFunc(schedule, func() { o.Tick(ctx) }); err != nil {
		slog.Error("failed to schedule orchestrator tick, falling back to 30s", "error", err)
		c.AddFunc("@every 30s", func() { o.Tick(ctx) })
	}
	if _, err := c.AddFunc("@every 5m", o.housekeep); err != nil {
		slog.Error("failed to schedule housekeeping pass", "error", err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

// housekeep resets the poll-failure streak of every server that has a
// nonzero streak and a state other than UNKNOWN, so a stale streak doesn't
// linger forever. It does not check whether recent polls succeeded.
func (o *Orchestrator) housekeep() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for name, st := range o.states {
		if st.ConsecutiveFailures() > 0 && st.State() != StateUnknown {
			slog.Debug("housekeeping: resetting stale failure streak", "server", name)
			st.ResetPollFailures()
		}
	}
}

// orderedServerNames returns managed server names in deterministic order,
// matching the decision table's "iterate in deterministic order" requirement.
func (o *Orchestrator) orderedServerNames() []string {
	names := make([]string, 0, len(o.servers))
	for name := range o.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick runs one full reconciliation pass across every managed server, then
// asks the proxy manager to reconcile its listeners.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.mu.RLock()
	locked := o.authLocked
	o.mu.RUnlock()
	if locked {
		slog.Debug("orchestrator tick skipped: auth-lockout in effect")
		return
	}

	now := time.Now()
	for _, name := range o.orderedServerNames() {
		if o.reconcileServer(ctx, name, now) == errAuthLocked {
			o.mu.Lock()
			o.authLocked = true
			o.mu.Unlock()
			slog.Error("controller denied authorization; halting orchestration until restart", "server", name)
			break
		}
	}

	o.proxy.Reconcile()
}

type tickOutcome int

const (
	outcomeOK tickOutcome = iota
	errAuthLocked
)

// reconcileServer performs step 1 (fetch + classify) and step 2 (decision
// table) of one server's per-tick reconciliation.
func (o *Orchestrator) reconcileServer(ctx context.Context, name string, now time.Time) tickOutcome {
	o.mu.RLock()
	spec := o.servers[name]
	state := o.states[name]
	maxRetries := o.cfg.Polling.APIMaxRetries
	retryDelay := o.cfg.Polling.RetryDelay()
	o.mu.RUnlock()

	stats, err := o.controller.GetStats(ctx, spec.ControllerServerID)
	if err != nil {
		if IsAuthDenied(err) {
			return errAuthLocked
		}
		if _, ok := err.(*APIError); ok {
			slog.Warn("controller reported an error fetching stats", "server", name, "error", err)
			return outcomeOK
		}

		failures := state.RecordPollFailure()
		slog.Warn("transport failure fetching stats", "server", name, "error", err, "consecutive_failures", failures)
		if failures >= maxRetries {
			slog.Error("giving up on this server for the current tick after repeated transport failures", "server", name, "attempts", failures)
			return outcomeOK
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
		}
		return outcomeOK
	}
	state.ResetPollFailures()
	state.UpdateFromStats(stats)

	o.applyDecisionTable(ctx, spec, state, stats, now)
	o.recordMetrics(name, state, now)
	return outcomeOK
}

// applyDecisionTable drives state.Transition per the documented per-server
// decision table. Ties are resolved top-to-bottom, matching the table order.
func (o *Orchestrator) applyDecisionTable(ctx context.Context, spec ServerSpec, state *ServerState, stats Stats, now time.Time) {
	current := state.State()

	switch {
	case stats.Crashed && current != StateCrashed:
		state.Transition(StateCrashed, now)
		o.notifier.NotifyCrashed(spec.Name)
		return

	case !stats.Running && current == StateStarting && now.Sub(startedAt(state)) > spec.StartTimeout:
		state.Transition(StateStopped, now)
		return

	case !stats.Running && current == StateStarting:
		return

	case !stats.Running && current != StateStopped && current != StateCrashed:
		state.Transition(StateStopped, now)
		return

	case stats.Running && current == StateStarting && stats.IntPingResults == "True":
		state.Transition(StateOnline, now)
		return

	case stats.Running && current == StateStarting:
		return

	case stats.Running && isOneOf(current, StateStopped, StateStarting, StateCrashed, StateUnknown) && stats.Online > 0:
		state.Transition(StateOnline, now)
		return

	case stats.Running && isOneOf(current, StateStopped, StateStarting, StateCrashed, StateUnknown) && stats.Online == 0:
		// The transition graph has no direct STOPPED/CRASHED -> IDLE edge,
		// so those states pass through ONLINE on the way to IDLE.
		if current == StateStopped || current == StateCrashed {
			state.Transition(StateOnline, now)
		}
		state.Transition(StateIdle, now)
		return

	case stats.Running && current == StateStopping:
		return

	case stats.Running && stats.Online > 0 && current != StateOnline:
		state.Transition(StateOnline, now)
		return

	case stats.Running && stats.Online == 0 && current == StateOnline:
		state.Transition(StateIdle, now)
		return

	case stats.Running && stats.Online == 0 && current == StateIdle:
		o.idleShutdownCheck(ctx, spec, state, now)
		return
	}
}

// startedAt returns the last start time, or the current time if the server
// has never been started — so a never-started server can't trip the
// start_timeout branch and stays STARTING, which is intentionally
// conservative.
func startedAt(state *ServerState) time.Time {
	snap := state.Snapshot()
	if snap.LastStartAt == nil {
		return time.Now()
	}
	return *snap.LastStartAt
}

func isOneOf(s State, candidates ...State) bool {
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}

// idleShutdownCheck implements step 3 of the per-server reconciliation: an
// ordered series of pauses, falling through to an actual stop only once
// every guard clears.
func (o *Orchestrator) idleShutdownCheck(ctx context.Context, spec ServerSpec, state *ServerState, now time.Time) {
	o.mu.RLock()
	cooldowns := o.cfg.Cooldowns
	o.mu.RUnlock()

	if state.InStartGrace(now, cooldowns.StartGrace) {
		slog.Debug("idle shutdown paused: within start grace", "server", spec.Name)
		return
	}
	if state.InStopCooldown(now, cooldowns.StopCooldown) {
		slog.Debug("idle shutdown paused: within stop cooldown", "server", spec.Name)
		return
	}
	if state.IsFlapping(now, cooldowns.FlapWindow, cooldowns.FlapMaxCycles) {
		slog.Warn("idle shutdown paused: server is flapping, backing off", "server", spec.Name, "backoff", cooldowns.FlapBackoff)
		return
	}
	if !state.IdleTimeoutReached(now, spec.IdleTimeout) {
		return
	}

	idleFor := state.IdleElapsed(now)

	// The stop is requested before entering STOPPING: the transition graph
	// has no STOPPING -> ONLINE edge, so a rejected stop must revert from IDLE.
	ok, err := o.controller.StopServer(ctx, spec.ControllerServerID)
	if err != nil || !ok {
		slog.Error("controller stop failed, reverting to ONLINE", "server", spec.Name, "error", err, "accepted", ok)
		RecordStop(spec.Name, false)
		state.Transition(StateOnline, time.Now())
		return
	}
	state.Transition(StateStopping, now)

	// Stay in STOPPING rather than jumping to STOPPED here: the controller
	// accepted the request but the backing process may still hold the port
	// for a moment, which would race proxy.Reconcile's rebind against it.
	// The next tick's decision table moves STOPPING to STOPPED once a poll
	// actually reports running=false.
	o.notifier.NotifyStopped(spec.Name, idleFor)
	RecordStop(spec.Name, true)
}

func (o *Orchestrator) recordMetrics(name string, state *ServerState, now time.Time) {
	snap := state.Snapshot()
	RecordServerState(name, snap.State)
	idleSeconds := 0.0
	if snap.IdleSince != nil {
		idleSeconds = now.Sub(*snap.IdleSince).Seconds()
	}
	RecordStats(name, snap.LastOnline, snap.LastMax, idleSeconds)
}

// MarkControllerReachable records that the controller has responded at
// least once, for the health surface's readiness check.
func (o *Orchestrator) MarkControllerReachable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.controllerUp = true
}

// ControllerEverReachable reports whether the controller has ever answered.
func (o *Orchestrator) ControllerEverReachable() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.controllerUp
}

// AuthLocked reports whether the orchestrator is holding the permanent
// auth-lockout triggered by a 403 from the controller.
func (o *Orchestrator) AuthLocked() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.authLocked
}

// Reload applies configuration changes reloadable in place, per
// Config.ApplyReload's field scope.
func (o *Orchestrator) Reload(newCfg *Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.cfg.ApplyReload(newCfg); err != nil {
		return err
	}
	o.servers = o.cfg.Servers
	return nil
}
