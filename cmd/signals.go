package cmd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"grimm.is/portguard/internal/firewall"
	"grimm.is/portguard/internal/logging"
)

// signalGate turns process signals into session inputs. Signals are caught
// from Snapshotted until the session ends. Inside the confirmation window
// SIGINT confirms and SIGTERM/SIGHUP abort. Before it apply always
// finishes: SIGINT is ignored, and SIGTERM/SIGHUP are held and delivered
// as an abort the moment the window opens.
type signalGate struct {
	logger  *logging.Logger
	sigCh   chan os.Signal
	confirm chan struct{}
	abort   chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	state        firewall.State
	pendingAbort bool

	startOnce sync.Once
	stopOnce  sync.Once
}

func newSignalGate(logger *logging.Logger) *signalGate {
	return &signalGate{
		logger:  logger.WithComponent("signals"),
		sigCh:   make(chan os.Signal, 4),
		confirm: make(chan struct{}, 1),
		abort:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Signals returns the channels the session waits on.
func (g *signalGate) Signals() firewall.Signals {
	return firewall.Signals{Confirm: g.confirm, Abort: g.abort}
}

// Transition follows the session state.
func (g *signalGate) Transition(s firewall.State) {
	g.mu.Lock()
	g.state = s
	deliver := s == firewall.StateAwaitingConfirmation && g.pendingAbort
	if deliver || s.Terminal() {
		g.pendingAbort = false
	}
	g.mu.Unlock()

	switch {
	case s == firewall.StateSnapshotted:
		g.start()
	case deliver:
		g.logger.Info("delivering abort received during apply")
		notify(g.abort)
	case s.Terminal():
		g.Stop()
	}
}

func (g *signalGate) start() {
	g.startOnce.Do(func() {
		signal.Notify(g.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		go g.loop()
	})
}

// Stop restores default signal handling. Safe to call more than once.
func (g *signalGate) Stop() {
	g.stopOnce.Do(func() {
		signal.Stop(g.sigCh)
		close(g.done)
	})
}

func (g *signalGate) loop() {
	for {
		select {
		case <-g.done:
			return
		case sig := <-g.sigCh:
			g.handle(sig)
		}
	}
}

func (g *signalGate) handle(sig os.Signal) {
	g.mu.Lock()
	state := g.state
	held := state != firewall.StateAwaitingConfirmation && sig != os.Interrupt
	if held {
		g.pendingAbort = true
	}
	g.mu.Unlock()

	switch {
	case held:
		g.logger.Warn("abort held until the rules are applied", "signal", sig.String(), "state", state.String())
		return
	case state != firewall.StateAwaitingConfirmation:
		g.logger.Warn("signal ignored until the rules are applied", "signal", sig.String(), "state", state.String())
		return
	}
	if sig == os.Interrupt {
		g.logger.Info("confirmation received")
		notify(g.confirm)
		return
	}
	g.logger.Info("abort received", "signal", sig.String())
	notify(g.abort)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
