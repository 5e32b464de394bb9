package hibernator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// portReleaseDelay is how long the port-handover sequence waits between
// closing the impersonator's listener and asking the controller to start
// the backing server, giving the kernel time to fully reclaim the socket
// (surviving TIME_WAIT / async close).
const portReleaseDelay = 5 * time.Second

// bindMaxAttempts / bindRetryDelay bound a listener bind retry loop to
// roughly 30 seconds total.
const (
	bindMaxAttempts = 15
	bindRetryDelay  = 2 * time.Second
)

// managedListener is anything the proxy manager can stop: a TCP
// net.Listener or a UDP net.PacketConn both satisfy io.Closer.
type managedListener interface {
	Close() error
}

// ProxyManager owns exactly one impersonator listener per managed server
// and the start_lockout set. Both collections are mutated only by the
// manager's own goroutine — impersonator sessions request a wake via
// triggerWake, which enqueues a message rather than touching the maps
// directly.
type ProxyManager struct {
	servers    map[string]ServerSpec
	states     map[string]*ServerState
	controller *ControllerClient
	notifier   Notifier

	listeners    map[string]managedListener
	startLockout map[string]bool

	cmdCh chan func()
	ctx   context.Context

	sessionWG sync.WaitGroup // tracks in-flight impersonator sessions, for drain on shutdown
}

// NewProxyManager builds a manager for the given servers. states must
// contain one *ServerState per key in servers. ctx is fixed for the
// manager's lifetime and is read without synchronization by every
// impersonator session, so it is set once here rather than handed to Run —
// no goroutine may observe it before it is fully initialized.
func NewProxyManager(ctx context.Context, servers map[string]ServerSpec, states map[string]*ServerState, controller *ControllerClient, notifier Notifier) *ProxyManager {
	return &ProxyManager{
		servers:      servers,
		states:       states,
		controller:   controller,
		notifier:     notifier,
		listeners:    make(map[string]managedListener),
		startLockout: make(map[string]bool),
		cmdCh:        make(chan func()),
		ctx:          ctx,
	}
}

// Run is the manager's owning goroutine. It must be the only goroutine that
// ever reads or writes listeners/startLockout directly; every other
// interaction goes through a channel send (do, Reconcile, triggerWake).
func (m *ProxyManager) Run() {
	for {
		select {
		case cmd := <-m.cmdCh:
			cmd()
		case <-m.ctx.Done():
			m.stopAll()
			m.sessionWG.Wait()
			return
		}
	}
}

// do runs fn on the manager's owning goroutine and blocks until it completes.
func (m *ProxyManager) do(fn func()) {
	done := make(chan struct{})
	m.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// Reconcile applies the per-server listener policy: lockout servers are
// left alone (or released once the backing server has actually come down),
// servers needing a proxy get one bound, servers that no longer need one
// have theirs stopped.
func (m *ProxyManager) Reconcile() {
	m.do(func() {
		for name, spec := range m.servers {
			state := m.states[name]

			if m.startLockout[name] {
				st := state.State()
				if st == StateStopped || st == StateCrashed {
					delete(m.startLockout, name)
					slog.Debug("start lockout released", "server", name)
				}
				continue
			}

			_, hasListener := m.listeners[name]
			needed := state.IsProxyNeeded()

			switch {
			case needed && !hasListener:
				m.beginBind(spec)
			case !needed && hasListener:
				m.stopListener(name)
			}
		}
	})
}

// beginBind launches an asynchronous bind-with-retry attempt. It must be
// called with the manager's command already running (i.e. from inside do).
func (m *ProxyManager) beginBind(spec ServerSpec) {
	// Mark a placeholder immediately so a second reconcile tick within the
	// same bind-retry window doesn't launch a duplicate attempt.
	m.listeners[spec.Name] = nil
	go m.attemptBind(spec)
}

func (m *ProxyManager) attemptBind(spec ServerSpec) {
	for attempt := 1; attempt <= bindMaxAttempts; attempt++ {
		listener, err := m.bindListener(spec)
		if err == nil {
			m.do(func() {
				m.listeners[spec.Name] = listener
			})
			m.serve(spec, listener)
			return
		}
		slog.Warn("impersonator bind attempt failed", "server", spec.Name, "attempt", attempt, "error", err)
		time.Sleep(bindRetryDelay)
	}
	slog.Error("impersonator failed to bind after retries, will retry next reconcile", "server", spec.Name, "attempts", bindMaxAttempts)
	m.do(func() {
		if m.listeners[spec.Name] == nil {
			delete(m.listeners, spec.Name)
		}
	})
}

// stopListener closes and forgets the listener for name, if any. Must run
// on the manager's owning goroutine.
func (m *ProxyManager) stopListener(name string) {
	l, ok := m.listeners[name]
	if !ok {
		return
	}
	delete(m.listeners, name)
	if l == nil {
		return // a bind attempt is still in flight; it will see the deletion and discard its result
	}
	if err := l.Close(); err != nil {
		slog.Warn("error closing impersonator listener", "server", name, "error", err)
	}
}

func (m *ProxyManager) stopAll() {
	for name := range m.listeners {
		m.stopListener(name)
	}
}

// triggerWake runs the port-handover sequence: steps 1-2 (stop listener,
// raise lockout) execute synchronously on the manager's owning goroutine;
// steps 3-6 (release delay, controller start, transition/notify or revert)
// run afterward without blocking the manager.
func (m *ProxyManager) triggerWake(ctx context.Context, spec ServerSpec, playerName string) {
	m.do(func() {
		m.stopListener(spec.Name)
		m.startLockout[spec.Name] = true
	})

	go func() {
		time.Sleep(portReleaseDelay)

		ok, err := m.controller.StartServer(ctx, spec.ControllerServerID)
		if err != nil || !ok {
			slog.Error("controller start failed during port handover, reverting lockout", "server", spec.Name, "error", err, "accepted", ok)
			RecordStart(spec.Name, false)
			m.do(func() {
				delete(m.startLockout, spec.Name)
			})
			// Rebind immediately so players keep seeing the hibernating MOTD.
			m.do(func() {
				if _, stillListening := m.listeners[spec.Name]; !stillListening {
					m.beginBind(spec)
				}
			})
			return
		}

		m.states[spec.Name].Transition(StateStarting, time.Now())
		m.notifier.NotifyStarted(spec.Name, playerName)
		RecordStart(spec.Name, true)
	}()
}
